package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	squarewebhook "github.com/angelmondragon/dispensary-engine/internal/webhooks/square"
)

const testSquareURL = "https://engine.example.com/api/v1/webhooks/square"

func TestSquareWebhook_SuccessAndIdempotent(t *testing.T) {
	payload := buildSquareEvent(t, "payment.updated")
	header := buildSquareSignature(payload, testSquareURL, "secret")
	service := &fakeSquareWebhookService{}
	handler := SquareWebhook(service, &fakeSigningClient{secret: "secret", url: testSquareURL}, newGuard(t), nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
		req.Header.Set(squareSignatureHeader, header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d (%s)", i, rec.Code, rec.Body.String())
		}
	}
	if service.calls != 1 {
		t.Fatalf("duplicate delivery should be skipped, got %d calls", service.calls)
	}
}

func TestSquareWebhook_InvalidSignature(t *testing.T) {
	payload := buildSquareEvent(t, "payment.updated")
	service := &fakeSquareWebhookService{}
	handler := SquareWebhook(service, &fakeSigningClient{secret: "secret", url: testSquareURL}, newGuard(t), nil)

	// signed for a different notification URL
	header := buildSquareSignature(payload, "https://other.example.com/hook", "secret")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	req.Header.Set(squareSignatureHeader, header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("service should not be invoked on invalid signature")
	}
}

func TestSquareWebhook_MissingSignature(t *testing.T) {
	payload := buildSquareEvent(t, "payment.updated")
	handler := SquareWebhook(&fakeSquareWebhookService{}, &fakeSigningClient{secret: "secret"}, newGuard(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSquareWebhook_FailedEventCanBeRetried(t *testing.T) {
	payload := buildSquareEvent(t, "dispute.created")
	header := buildSquareSignature(payload, testSquareURL, "secret")
	service := &fakeSquareWebhookService{err: errors.New("db down")}
	handler := SquareWebhook(service, &fakeSigningClient{secret: "secret", url: testSquareURL}, newGuard(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	req.Header.Set(squareSignatureHeader, header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	service.err = nil
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", bytes.NewReader(payload))
	req.Header.Set(squareSignatureHeader, header)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
	if service.calls != 2 {
		t.Fatalf("expected the retry to reach the service, got %d calls", service.calls)
	}
}

func buildSquareEvent(t *testing.T, eventType string) []byte {
	t.Helper()
	paymentID := "sq_" + uuid.NewString()
	event := &squarewebhook.SquareWebhookEvent{
		EventID: "evt_" + uuid.NewString(),
		Type:    eventType,
		Data: squarewebhook.SquareWebhookData{
			Type: "payment",
			ID:   paymentID,
			Object: squarewebhook.SquareWebhookObject{
				Payment: &squarewebhook.SquarePayment{ID: paymentID, Status: "COMPLETED"},
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func buildSquareSignature(payload []byte, url, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(url))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type fakeSquareWebhookService struct {
	calls int
	err   error
}

func (f *fakeSquareWebhookService) HandleEvent(ctx context.Context, event *squarewebhook.SquareWebhookEvent) error {
	f.calls++
	return f.err
}
