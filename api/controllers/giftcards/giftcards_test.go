package giftcards

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	internalgiftcards "github.com/angelmondragon/dispensary-engine/internal/giftcards"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

type movementCall struct {
	credit bool
	code   string
	amount int
	mv     internalgiftcards.Movement
}

type stubGiftCards struct {
	card     *models.GiftCard
	issued   []internalgiftcards.IssueInput
	moves    []movementCall
	reversed []uuid.UUID
	debitErr error
}

func (s *stubGiftCards) Issue(_ context.Context, in internalgiftcards.IssueInput) (*models.GiftCard, error) {
	s.issued = append(s.issued, in)
	hash := "hashed"
	return &models.GiftCard{ID: uuid.New(), Code: "ABCD-EFGH-JKLM-NPQR", BalanceCents: in.AmountCents, PinHash: &hash}, nil
}

func (s *stubGiftCards) Debit(_ context.Context, code string, amount int, mv internalgiftcards.Movement) (*models.GiftCardTransaction, error) {
	if s.debitErr != nil {
		return nil, s.debitErr
	}
	s.moves = append(s.moves, movementCall{code: code, amount: amount, mv: mv})
	return &models.GiftCardTransaction{ID: uuid.New(), AmountCents: -amount}, nil
}

func (s *stubGiftCards) Credit(_ context.Context, code string, amount int, mv internalgiftcards.Movement) (*models.GiftCardTransaction, error) {
	s.moves = append(s.moves, movementCall{credit: true, code: code, amount: amount, mv: mv})
	return &models.GiftCardTransaction{ID: uuid.New(), AmountCents: amount}, nil
}

func (s *stubGiftCards) Reverse(_ context.Context, id uuid.UUID, _ string) (*models.GiftCardTransaction, error) {
	s.reversed = append(s.reversed, id)
	return &models.GiftCardTransaction{ID: uuid.New()}, nil
}

func (s *stubGiftCards) Revoke(context.Context, string, string) (*models.GiftCard, error) {
	s.card.State = enums.GiftCardStateRevoked
	return s.card, nil
}

func (s *stubGiftCards) Balance(_ context.Context, code string) (*models.GiftCard, error) {
	if s.card == nil || !strings.EqualFold(s.card.Code, code) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "gift card not found")
	}
	return s.card, nil
}

func (s *stubGiftCards) ListTransactions(context.Context, string) ([]models.GiftCardTransaction, error) {
	return nil, nil
}

func (s *stubGiftCards) Audit(_ context.Context, code string) (*internalgiftcards.AuditResult, error) {
	return &internalgiftcards.AuditResult{Code: code}, nil
}

func (s *stubGiftCards) Campaign(_ context.Context, campaign string) (*internalgiftcards.CampaignSummary, error) {
	if s.card == nil || s.card.Campaign == nil || *s.card.Campaign != campaign {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "campaign has no gift cards")
	}
	return &internalgiftcards.CampaignSummary{Campaign: campaign, Cards: 1, IssuedCents: s.card.BalanceCents, OutstandingCents: s.card.BalanceCents}, nil
}

func request(method, target, body string, role enums.ActorRole, params map[string]string) *http.Request {
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
	ctx = middleware.WithActor(ctx, "actor-1", string(role))
	return req.WithContext(ctx)
}

func activeCard() *models.GiftCard {
	hash := "hashed"
	return &models.GiftCard{
		ID:           uuid.New(),
		Code:         "ABCD-EFGH-JKLM-NPQR",
		BalanceCents: 2500,
		Currency:     enums.Currency("USD"),
		State:        enums.GiftCardStateActive,
		PinHash:      &hash,
	}
}

func TestBalanceHidesInternals(t *testing.T) {
	svc := &stubGiftCards{card: activeCard()}

	rec := httptest.NewRecorder()
	Balance(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/balance", "", enums.ActorRoleCustomer, map[string]string{"code": "abcd-efgh-jklm-npqr"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"balance_cents":2500`) {
		t.Fatalf("expected balance in body, got %s", body)
	}
	for _, leaked := range []string{"PinHash", "pin_hash", "hashed", "initial_value"} {
		if strings.Contains(body, leaked) {
			t.Fatalf("balance response leaked %q: %s", leaked, body)
		}
	}
}

func TestBalanceUnknownCard(t *testing.T) {
	rec := httptest.NewRecorder()
	Balance(&stubGiftCards{}, nil).ServeHTTP(rec, request(http.MethodGet, "/balance", "", enums.ActorRoleCustomer, map[string]string{"code": "NOPE"}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIssueReportsPinProtection(t *testing.T) {
	svc := &stubGiftCards{}

	rec := httptest.NewRecorder()
	Issue(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/gift-cards", `{"amount_cents":5000,"campaign":"holiday","pin":"4321"}`, enums.ActorRoleAdmin, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"pin_protected":true`) {
		t.Fatalf("expected pin_protected flag, got %s", rec.Body.String())
	}
	if svc.issued[0].Actor != "admin:actor-1" || svc.issued[0].PIN != "4321" {
		t.Fatalf("unexpected issue input %+v", svc.issued[0])
	}
}

func TestIssueRejectsZeroAmount(t *testing.T) {
	rec := httptest.NewRecorder()
	Issue(&stubGiftCards{}, nil).ServeHTTP(rec, request(http.MethodPost, "/gift-cards", `{"amount_cents":0}`, enums.ActorRoleAdmin, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDebitAndCredit(t *testing.T) {
	svc := &stubGiftCards{card: activeCard()}
	orderID := uuid.New()
	params := map[string]string{"code": "ABCD-EFGH-JKLM-NPQR"}

	rec := httptest.NewRecorder()
	Debit(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/debit", `{"amount_cents":700,"order_id":"`+orderID.String()+`","pin":"4321"}`, enums.ActorRoleAdmin, params))
	if rec.Code != http.StatusCreated {
		t.Fatalf("debit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	Credit(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/credit", `{"amount_cents":300,"note":"goodwill"}`, enums.ActorRoleAdmin, params))
	if rec.Code != http.StatusCreated {
		t.Fatalf("credit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(svc.moves) != 2 {
		t.Fatalf("expected two movements, got %d", len(svc.moves))
	}
	debit, credit := svc.moves[0], svc.moves[1]
	if debit.credit || debit.amount != 700 || debit.mv.OrderID == nil || *debit.mv.OrderID != orderID || debit.mv.PIN != "4321" {
		t.Fatalf("unexpected debit %+v", debit)
	}
	if !credit.credit || credit.amount != 300 || credit.mv.Note != "goodwill" {
		t.Fatalf("unexpected credit %+v", credit)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc := &stubGiftCards{card: activeCard(), debitErr: pkgerrors.New(pkgerrors.CodeInsufficientBalance, "gift card balance is insufficient")}

	rec := httptest.NewRecorder()
	Debit(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/debit", `{"amount_cents":99999}`, enums.ActorRoleAdmin, map[string]string{"code": "ABCD-EFGH-JKLM-NPQR"}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(pkgerrors.CodeInsufficientBalance)) {
		t.Fatalf("expected insufficient balance code, got %s", rec.Body.String())
	}
}

func TestReverseParsesTransactionID(t *testing.T) {
	svc := &stubGiftCards{}
	txID := uuid.New()

	rec := httptest.NewRecorder()
	Reverse(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/reverse", "", enums.ActorRoleAdmin, map[string]string{"transactionId": txID.String()}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if len(svc.reversed) != 1 || svc.reversed[0] != txID {
		t.Fatalf("unexpected reversals %v", svc.reversed)
	}

	rec = httptest.NewRecorder()
	Reverse(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/reverse", "", enums.ActorRoleAdmin, map[string]string{"transactionId": "x"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRevokeReturnsCardView(t *testing.T) {
	svc := &stubGiftCards{card: activeCard()}

	rec := httptest.NewRecorder()
	Revoke(svc, nil).ServeHTTP(rec, request(http.MethodPost, "/revoke", "", enums.ActorRoleAdmin, map[string]string{"code": "ABCD-EFGH-JKLM-NPQR"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"revoked"`) {
		t.Fatalf("expected revoked state, got %s", rec.Body.String())
	}
}

func TestTransactionsNeverNull(t *testing.T) {
	rec := httptest.NewRecorder()
	Transactions(&stubGiftCards{}, nil).ServeHTTP(rec, request(http.MethodGet, "/transactions", "", enums.ActorRoleAdmin, map[string]string{"code": "ABCD"}))
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestCampaignSummaryRoute(t *testing.T) {
	card := activeCard()
	spring := "spring"
	card.Campaign = &spring
	svc := &stubGiftCards{card: card}

	rec := httptest.NewRecorder()
	Campaign(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/campaigns/spring", "", enums.ActorRoleAdmin, map[string]string{"campaign": "spring"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"outstanding_cents":2500`) {
		t.Fatalf("expected outstanding value in body, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	Campaign(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/campaigns/winter", "", enums.ActorRoleAdmin, map[string]string{"campaign": "winter"}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown campaign, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Campaign(svc, nil).ServeHTTP(rec, request(http.MethodGet, "/campaigns/", "", enums.ActorRoleAdmin, map[string]string{"campaign": " "}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank campaign, got %d", rec.Code)
	}
}
