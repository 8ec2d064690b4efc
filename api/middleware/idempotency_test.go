package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

const checkoutPath = "/api/v1/checkout/orders"

type fakeStore struct {
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func requestWithPattern(method, url, pattern string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, url, body)
	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{pattern}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestScopeSelection(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		pattern  string
		resource string
		ttl      time.Duration
		ok       bool
	}{
		{"checkout", http.MethodPost, checkoutPath, "checkout", moneyIdempotencyTTL, true},
		{"order cancel", http.MethodPost, "/api/v1/orders/{orderId}/cancel", "order", moneyIdempotencyTTL, true},
		{"payment retry", http.MethodPost, "/api/v1/orders/{orderId}/payments/retry", "order", moneyIdempotencyTTL, true},
		{"capture", http.MethodPost, "/api/v1/admin/payments/{paymentId}/capture", "payment", moneyIdempotencyTTL, true},
		{"refund process", http.MethodPost, "/api/v1/admin/refunds/{refundId}/process", "refund", moneyIdempotencyTTL, true},
		{"gift card issue", http.MethodPost, "/api/v1/admin/gift-cards", "gift_card", moneyIdempotencyTTL, true},
		{"admin ship", http.MethodPost, "/api/v1/admin/orders/{orderId}/ship", "admin", adminIdempotencyTTL, true},
		{"admin read", http.MethodGet, "/api/v1/admin/orders/{orderId}", "", 0, false},
		{"webhook", http.MethodPost, "/api/v1/webhooks/square", "", 0, false},
	}
	for _, tt := range tests {
		scope, ok := scopeFor(tt.method, tt.pattern)
		if ok != tt.ok {
			t.Fatalf("%s: expected ok=%v got %v", tt.name, tt.ok, ok)
		}
		if ok && (scope.ttl != tt.ttl || scope.resource != tt.resource) {
			t.Fatalf("%s: unexpected scope %+v", tt.name, scope)
		}
	}
}

func TestIdempotencyMiddlewareRequiresHeader(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	handlerCalled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	req := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"bar"}`))
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if handlerCalled {
		t.Fatalf("handler should not run without idempotency key")
	}
}

func TestIdempotencyMiddlewareReplaysStoredResponse(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"bar"}`))
	req.Header.Set("Idempotency-Key", "abc")
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected first response 201 got %d", resp.Code)
	}

	replay := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"bar"}`))
	replay.Header.Set("Idempotency-Key", "abc")
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, replay)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected replay status 201 got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected content-type header preserved")
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("expected stored body got %s", rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler executed %d times, expected 1", calls)
	}
	if rec.Header().Get(replayHeader) != "true" {
		t.Fatalf("expected replay to be flagged")
	}
}

func TestIdempotencyMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	for i := 0; i < 2; i++ {
		req := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"bar"}`))
		req.Header.Set("Idempotency-Key", "retry-me")
		mw(handler).ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected the retry after a 504 to reach the handler, got %d calls", calls)
	}
}

func TestIdempotencyMiddlewareScopesByActor(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	for _, actor := range []string{"a1", "a2"} {
		req := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"bar"}`))
		req = req.WithContext(WithActor(req.Context(), actor, "customer"))
		req.Header.Set("Idempotency-Key", "shared")
		mw(handler).ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("different actors must not share keys, got %d calls", calls)
	}
}

func TestIdempotencyMiddlewareDetectsBodyChange(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"bar"}`))
	req.Header.Set("Idempotency-Key", "xyz")
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)

	replay := requestWithPattern(http.MethodPost, checkoutPath, checkoutPath, strings.NewReader(`{"foo":"diff"}`))
	replay.Header.Set("Idempotency-Key", "xyz")
	resp := httptest.NewRecorder()
	mw(handler).ServeHTTP(resp, replay)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", resp.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	if payload.Error.Code != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected error code %s got %s", pkgerrors.CodeIdempotency, payload.Error.Code)
	}
}

const cancelPattern = "/api/v1/orders/{orderId}/cancel"

func cancelRequest(orderID string) *http.Request {
	req := requestWithPattern(http.MethodPost, "/api/v1/orders/"+orderID+"/cancel", cancelPattern, strings.NewReader(`{}`))
	chi.RouteContext(req.Context()).URLParams.Add("orderId", orderID)
	req = req.WithContext(WithActor(req.Context(), "customer-1", "customer"))
	req.Header.Set("Idempotency-Key", "cancel-1")
	return req
}

func TestIdempotencyMiddlewareScopesByOrder(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	seen := map[string]int{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[chi.URLParam(r, "orderId")]++
		w.WriteHeader(http.StatusOK)
	})

	for _, orderID := range []string{"order-a", "order-b", "order-a"} {
		mw(handler).ServeHTTP(httptest.NewRecorder(), cancelRequest(orderID))
	}
	if seen["order-a"] != 1 || seen["order-b"] != 1 {
		t.Fatalf("expected one execution per order, got %v", seen)
	}
}

func TestIdempotencyMiddlewareRejectsConcurrentDuplicate(t *testing.T) {
	store := newFakeStore()
	mw := Idempotency(store, nil)
	var nested *httptest.ResponseRecorder
	var calls int
	var handler http.Handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if nested == nil {
			nested = httptest.NewRecorder()
			mw(handler).ServeHTTP(nested, cancelRequest("order-a"))
		}
		w.WriteHeader(http.StatusOK)
	})

	first := httptest.NewRecorder()
	mw(handler).ServeHTTP(first, cancelRequest("order-a"))

	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}
	if nested.Code != http.StatusConflict {
		t.Fatalf("expected the duplicate in flight to conflict, got %d", nested.Code)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	for key := range store.data {
		if strings.Contains(key, "|running") {
			t.Fatalf("in-flight marker %s left behind", key)
		}
	}
}
