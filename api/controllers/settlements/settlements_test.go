package settlements

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	internalsettlements "github.com/angelmondragon/dispensary-engine/internal/settlements"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

type stubSettlements struct {
	ingested []internalsettlements.IngestInput
	filters  []internalsettlements.ListFilter
	openOnly []bool
	matched  []uuid.UUID
	notes    []string
	scope    []*uuid.UUID
}

func (s *stubSettlements) Ingest(_ context.Context, in internalsettlements.IngestInput) (*models.Settlement, error) {
	s.ingested = append(s.ingested, in)
	return &models.Settlement{ID: uuid.New(), Provider: in.Provider}, nil
}

func (s *stubSettlements) Match(context.Context) (*internalsettlements.MatchSummary, error) {
	return &internalsettlements.MatchSummary{Scanned: 4, Matched: 3, Unmatched: 1}, nil
}

func (s *stubSettlements) MatchLine(_ context.Context, lineID, paymentID uuid.UUID, _ string) (*models.SettlementLine, []models.SettlementDiscrepancy, error) {
	s.matched = append(s.matched, paymentID)
	return &models.SettlementLine{ID: lineID}, nil, nil
}

func (s *stubSettlements) UnmatchedReport(_ context.Context, settlementID *uuid.UUID) ([]models.SettlementLine, error) {
	s.scope = append(s.scope, settlementID)
	return nil, nil
}

func (s *stubSettlements) Discrepancies(_ context.Context, openOnly bool) ([]models.SettlementDiscrepancy, error) {
	s.openOnly = append(s.openOnly, openOnly)
	return nil, nil
}

func (s *stubSettlements) ResolveDiscrepancy(_ context.Context, id uuid.UUID, note, _ string) (*models.SettlementDiscrepancy, error) {
	s.notes = append(s.notes, note)
	return &models.SettlementDiscrepancy{ID: id}, nil
}

func (s *stubSettlements) Get(_ context.Context, id uuid.UUID) (*models.Settlement, error) {
	return &models.Settlement{ID: id}, nil
}

func (s *stubSettlements) List(_ context.Context, filter internalsettlements.ListFilter) ([]models.Settlement, int64, error) {
	s.filters = append(s.filters, filter)
	return []models.Settlement{{ID: uuid.New()}}, 1, nil
}

func adminRequest(method, target, body string, params map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	return req.WithContext(middleware.WithActor(ctx, "finance-1", string(enums.ActorRoleAdmin)))
}

func TestIngestForwardsBatch(t *testing.T) {
	svc := &stubSettlements{}
	body := `{
		"provider": "square",
		"external_batch_id": "po_2026_10_01",
		"period_start": "2026-10-01T00:00:00Z",
		"period_end": "2026-10-02T00:00:00Z",
		"lines": [{"provider_tx_id": "sq_pay_1", "amount_cents": 4200, "fee_cents": 120}]
	}`

	rec := httptest.NewRecorder()
	Ingest(svc, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/settlements", body, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	in := svc.ingested[0]
	if in.Actor != "admin:finance-1" || len(in.Lines) != 1 || in.Lines[0].FeeCents != 120 {
		t.Fatalf("unexpected ingest input %+v", in)
	}
}

func TestIngestRejectsInvertedPeriod(t *testing.T) {
	body := `{
		"provider": "square",
		"external_batch_id": "po_1",
		"period_start": "2026-10-02T00:00:00Z",
		"period_end": "2026-10-01T00:00:00Z",
		"lines": [{"provider_tx_id": "sq_pay_1", "amount_cents": 4200}]
	}`

	rec := httptest.NewRecorder()
	Ingest(&stubSettlements{}, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/settlements", body, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListParsesFilters(t *testing.T) {
	svc := &stubSettlements{}

	rec := httptest.NewRecorder()
	List(svc, nil).ServeHTTP(rec, adminRequest(http.MethodGet, "/settlements?provider=Square&status=ingested&limit=10", "", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	filter := svc.filters[0]
	if filter.Provider != "square" || filter.Status != enums.SettlementStatusIngested || filter.Limit != 10 {
		t.Fatalf("unexpected filter %+v", filter)
	}

	rec = httptest.NewRecorder()
	List(svc, nil).ServeHTTP(rec, adminRequest(http.MethodGet, "/settlements?status=paid", "", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMatchReturnsSummary(t *testing.T) {
	rec := httptest.NewRecorder()
	Match(&stubSettlements{}, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/match", "", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"matched":3`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestMatchLineRequiresPayment(t *testing.T) {
	svc := &stubSettlements{}
	params := map[string]string{"lineId": uuid.NewString()}

	rec := httptest.NewRecorder()
	MatchLine(svc, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/match", `{}`, params))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	paymentID := uuid.New()
	rec = httptest.NewRecorder()
	MatchLine(svc, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/match", `{"payment_id":"`+paymentID.String()+`"}`, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(svc.matched) != 1 || svc.matched[0] != paymentID {
		t.Fatalf("unexpected matches %v", svc.matched)
	}
	if !strings.Contains(rec.Body.String(), `"discrepancies":[]`) {
		t.Fatalf("expected empty discrepancies, got %s", rec.Body.String())
	}
}

func TestUnmatchedAndDiscrepancyQueries(t *testing.T) {
	svc := &stubSettlements{}
	settlementID := uuid.New()

	rec := httptest.NewRecorder()
	Unmatched(svc, nil).ServeHTTP(rec, adminRequest(http.MethodGet, "/unmatched?settlement_id="+settlementID.String(), "", nil))
	if rec.Code != http.StatusOK || svc.scope[0] == nil || *svc.scope[0] != settlementID {
		t.Fatalf("unexpected unmatched scope %v (%d)", svc.scope, rec.Code)
	}

	rec = httptest.NewRecorder()
	Discrepancies(svc, nil).ServeHTTP(rec, adminRequest(http.MethodGet, "/discrepancies?open=true", "", nil))
	if rec.Code != http.StatusOK || !svc.openOnly[0] {
		t.Fatalf("expected open-only query")
	}
}

func TestResolveDiscrepancyNeedsNote(t *testing.T) {
	svc := &stubSettlements{}
	params := map[string]string{"discrepancyId": uuid.NewString()}

	rec := httptest.NewRecorder()
	ResolveDiscrepancy(svc, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/resolve", `{}`, params))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ResolveDiscrepancy(svc, nil).ServeHTTP(rec, adminRequest(http.MethodPost, "/resolve", `{"note":"fee adjusted by provider"}`, params))
	if rec.Code != http.StatusOK || svc.notes[0] != "fee adjusted by provider" {
		t.Fatalf("unexpected resolve %d %v", rec.Code, svc.notes)
	}
}
