package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	internalsettlements "github.com/angelmondragon/dispensary-engine/internal/settlements"
	pkgAuth "github.com/angelmondragon/dispensary-engine/pkg/auth"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type memoryStore struct {
	mu       sync.Mutex
	values   map[string]string
	counters map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, counters: map[string]int64{}}
}

func (m *memoryStore) Ping(context.Context) error { return nil }

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

func (m *memoryStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memoryStore) RateLimitKey(parts ...string) string {
	return "rl:" + strings.Join(parts, ":")
}

type stubSettlements struct {
	matches int
}

func (s *stubSettlements) Ingest(context.Context, internalsettlements.IngestInput) (*models.Settlement, error) {
	return &models.Settlement{ID: uuid.New()}, nil
}

func (s *stubSettlements) Match(context.Context) (*internalsettlements.MatchSummary, error) {
	s.matches++
	return &internalsettlements.MatchSummary{Matched: s.matches}, nil
}

func (s *stubSettlements) MatchLine(context.Context, uuid.UUID, uuid.UUID, string) (*models.SettlementLine, []models.SettlementDiscrepancy, error) {
	return &models.SettlementLine{}, nil, nil
}

func (s *stubSettlements) UnmatchedReport(context.Context, *uuid.UUID) ([]models.SettlementLine, error) {
	return nil, nil
}

func (s *stubSettlements) Discrepancies(context.Context, bool) ([]models.SettlementDiscrepancy, error) {
	return nil, nil
}

func (s *stubSettlements) ResolveDiscrepancy(_ context.Context, id uuid.UUID, _, _ string) (*models.SettlementDiscrepancy, error) {
	return &models.SettlementDiscrepancy{ID: id}, nil
}

func (s *stubSettlements) Get(_ context.Context, id uuid.UUID) (*models.Settlement, error) {
	return &models.Settlement{ID: id}, nil
}

func (s *stubSettlements) List(context.Context, internalsettlements.ListFilter) ([]models.Settlement, int64, error) {
	return nil, 0, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App:  config.AppConfig{Env: "test"},
		JWT:  config.JWTConfig{Secret: "router-secret", Issuer: "dispensary-test", ExpirationMinutes: 30},
		HTTP: config.HTTPConfig{CORSOrigins: []string{"http://localhost:3000"}},
		RateLimit: config.RateLimitConfig{
			GiftCardWindow:    time.Minute,
			GiftCardIPLimit:   2,
			GiftCardCodeLimit: 2,
		},
	}
}

func newTestRouter(t *testing.T) (http.Handler, *config.Config, *stubSettlements) {
	t.Helper()
	cfg := testConfig()
	settlements := &stubSettlements{}
	router := NewRouter(Params{
		Config:      cfg,
		Logger:      logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard}),
		DB:          stubPinger{},
		Store:       newMemoryStore(),
		Settlements: settlements,
		Gatherer:    prometheus.NewRegistry(),
	})
	return router, cfg, settlements
}

func bearer(t *testing.T, cfg *config.Config, role enums.ActorRole) string {
	t.Helper()
	token, err := pkgAuth.MintActorToken(cfg.JWT, time.Now(), pkgAuth.ActorTokenPayload{ActorID: uuid.New(), Role: role})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return "Bearer " + token
}

func TestHealthRoutes(t *testing.T) {
	router, _, _ := newTestRouter(t)

	for _, path := range []string{"/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectCustomers(t *testing.T) {
	router, cfg, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/settlements", nil)
	req.Header.Set("Authorization", bearer(t, cfg, enums.ActorRoleCustomer))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdminPostRequiresIdempotencyKeyAndReplays(t *testing.T) {
	router, cfg, settlements := newTestRouter(t)
	token := bearer(t, cfg, enums.ActorRoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/settlements/match", nil)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/settlements/match", nil)
		req.Header.Set("Authorization", token)
		req.Header.Set("Idempotency-Key", "match-1")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	if settlements.matches != 1 {
		t.Fatalf("expected the replay to skip the handler, got %d runs", settlements.matches)
	}
}

func TestAdminGetSkipsIdempotency(t *testing.T) {
	router, cfg, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/settlements/discrepancies?open=true", nil)
	req.Header.Set("Authorization", bearer(t, cfg, enums.ActorRoleSystem))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGiftCardBalanceIsRateLimited(t *testing.T) {
	router, cfg, _ := newTestRouter(t)
	token := bearer(t, cfg, enums.ActorRoleCustomer)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/gift-cards/ABCD-EFGH/balance", nil)
		req.Header.Set("Authorization", token)
		req.RemoteAddr = "203.0.113.7:5123"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the third lookup, got %d", last)
	}
}

func TestWebhooksUnmountedWithoutSigner(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
