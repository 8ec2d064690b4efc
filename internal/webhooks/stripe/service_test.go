package stripewebhook

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/angelmondragon/dispensary-engine/internal/orders"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

type stubPayments struct {
	payment     *models.Payment
	captured    []string
	failed      []string
	messages    []string
	opened      []payments.ChargebackInput
	chargeback  *models.Chargeback
	resolutions []enums.ChargebackOutcome
}

func (s *stubPayments) FindByProviderRef(_ context.Context, provider, ref string) (*models.Payment, error) {
	if s.payment == nil || provider != "stripe" || s.payment.ProviderRef == nil || *s.payment.ProviderRef != ref {
		return nil, nil
	}
	return s.payment, nil
}

func (s *stubPayments) CaptureByProviderRef(ctx context.Context, provider, ref, _ string) (*payments.CaptureResult, error) {
	payment, _ := s.FindByProviderRef(ctx, provider, ref)
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for provider reference")
	}
	s.captured = append(s.captured, ref)
	payment.Status = enums.PaymentStatusCaptured
	return &payments.CaptureResult{Payment: payment}, nil
}

func (s *stubPayments) Fail(_ context.Context, _ uuid.UUID, code, message, _ string) (*models.Payment, error) {
	s.failed = append(s.failed, code)
	s.messages = append(s.messages, message)
	s.payment.Status = enums.PaymentStatusFailed
	return s.payment, nil
}

func (s *stubPayments) OpenChargeback(_ context.Context, in payments.ChargebackInput) (*models.Chargeback, bool, error) {
	s.opened = append(s.opened, in)
	s.chargeback = &models.Chargeback{ID: uuid.New(), PaymentID: in.PaymentID, CaseID: in.CaseID, Outcome: enums.ChargebackOutcomeOpen}
	return s.chargeback, true, nil
}

func (s *stubPayments) FindChargebackByCase(_ context.Context, _ uuid.UUID, caseID string) (*models.Chargeback, error) {
	if s.chargeback == nil || s.chargeback.CaseID != caseID {
		return nil, nil
	}
	return s.chargeback, nil
}

func (s *stubPayments) ResolveChargeback(_ context.Context, _ uuid.UUID, outcome enums.ChargebackOutcome, _ string) (*models.Chargeback, error) {
	s.resolutions = append(s.resolutions, outcome)
	return s.chargeback, nil
}

type stubOrders struct {
	confirmed []uuid.UUID
	err       error
}

func (s *stubOrders) ConfirmPayment(_ context.Context, orderID uuid.UUID, _ orders.ConfirmInput) (*models.Order, error) {
	s.confirmed = append(s.confirmed, orderID)
	return &models.Order{ID: orderID}, s.err
}

func newTestService(t *testing.T, status enums.PaymentStatus) (*Service, *stubPayments, *stubOrders) {
	t.Helper()
	ref := "pi_123"
	pays := &stubPayments{payment: &models.Payment{
		ID:               uuid.New(),
		OrderID:          uuid.New(),
		Status:           status,
		Provider:         "stripe",
		ProviderRef:      &ref,
		AmountGrossCents: 5000,
	}}
	ords := &stubOrders{}
	service, err := NewService(ServiceParams{Payments: pays, Orders: ords})
	require.NoError(t, err)
	return service, pays, ords
}

func newEvent(t *testing.T, eventType stripe.EventType, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{ID: "evt_" + uuid.NewString(), Type: eventType, Data: &stripe.EventData{Raw: raw}}
}

func TestService_IntentSucceededCapturesAndConfirms(t *testing.T) {
	service, pays, ords := newTestService(t, enums.PaymentStatusAuthorized)

	event := newEvent(t, stripe.EventTypePaymentIntentSucceeded, map[string]any{"id": "pi_123", "object": "payment_intent", "status": "succeeded"})
	require.NoError(t, service.HandleEvent(context.Background(), event))
	require.Equal(t, []string{"pi_123"}, pays.captured)
	require.Equal(t, []uuid.UUID{pays.payment.OrderID}, ords.confirmed)
}

func TestService_IntentSucceededForUnknownIntentIsAcknowledged(t *testing.T) {
	service, pays, ords := newTestService(t, enums.PaymentStatusAuthorized)

	event := newEvent(t, stripe.EventTypePaymentIntentSucceeded, map[string]any{"id": "pi_other"})
	require.NoError(t, service.HandleEvent(context.Background(), event))
	require.Empty(t, pays.captured)
	require.Empty(t, ords.confirmed)
}

func TestService_IntentSucceededOnClosedOrderIsAcknowledged(t *testing.T) {
	service, _, ords := newTestService(t, enums.PaymentStatusAuthorized)
	ords.err = pkgerrors.New(pkgerrors.CodeStateConflict, "order payment cannot be confirmed")

	event := newEvent(t, stripe.EventTypePaymentIntentSucceeded, map[string]any{"id": "pi_123"})
	require.NoError(t, service.HandleEvent(context.Background(), event))
}

func TestService_IntentFailedFailsPendingPayment(t *testing.T) {
	service, pays, _ := newTestService(t, enums.PaymentStatusPending)

	event := newEvent(t, stripe.EventTypePaymentIntentPaymentFailed, map[string]any{
		"id":                 "pi_123",
		"last_payment_error": map[string]any{"message": "card declined"},
	})
	require.NoError(t, service.HandleEvent(context.Background(), event))
	require.Equal(t, []string{"payment_intent.payment_failed"}, pays.failed)
	require.Equal(t, []string{"card declined"}, pays.messages)
}

func TestService_IntentCanceledLeavesCapturedPaymentAlone(t *testing.T) {
	service, pays, _ := newTestService(t, enums.PaymentStatusCaptured)

	event := newEvent(t, stripe.EventTypePaymentIntentCanceled, map[string]any{"id": "pi_123"})
	require.NoError(t, service.HandleEvent(context.Background(), event))
	require.Empty(t, pays.failed)
}

func TestService_DisputeCreatedAndClosed(t *testing.T) {
	service, pays, _ := newTestService(t, enums.PaymentStatusCaptured)

	created := newEvent(t, stripe.EventTypeChargeDisputeCreated, map[string]any{
		"id":               "dp_1",
		"amount":           2500,
		"reason":           "fraudulent",
		"status":           "needs_response",
		"payment_intent":   "pi_123",
		"evidence_details": map[string]any{"due_by": 1793491200},
	})
	require.NoError(t, service.HandleEvent(context.Background(), created))
	require.Len(t, pays.opened, 1)
	opened := pays.opened[0]
	require.Equal(t, 2500, opened.AmountCents)
	require.Equal(t, "dp_1", opened.CaseID)
	require.Equal(t, "fraudulent", opened.Reason)
	require.Equal(t, enums.ChargebackStageChargeback, opened.Stage)
	require.NotNil(t, opened.Deadline)

	closed := newEvent(t, stripe.EventTypeChargeDisputeClosed, map[string]any{
		"id":             "dp_1",
		"status":         "lost",
		"payment_intent": "pi_123",
	})
	require.NoError(t, service.HandleEvent(context.Background(), closed))
	require.Equal(t, []enums.ChargebackOutcome{enums.ChargebackOutcomeLost}, pays.resolutions)
}

func TestService_WarningDisputeIsInquiry(t *testing.T) {
	service, pays, _ := newTestService(t, enums.PaymentStatusCaptured)

	created := newEvent(t, stripe.EventTypeChargeDisputeCreated, map[string]any{
		"id":             "dp_2",
		"status":         "warning_needs_response",
		"payment_intent": "pi_123",
	})
	require.NoError(t, service.HandleEvent(context.Background(), created))
	require.Equal(t, enums.ChargebackStageInquiry, pays.opened[0].Stage)
	require.Equal(t, 5000, pays.opened[0].AmountCents)

	closed := newEvent(t, stripe.EventTypeChargeDisputeClosed, map[string]any{
		"id":             "dp_2",
		"status":         "warning_closed",
		"payment_intent": "pi_123",
	})
	require.NoError(t, service.HandleEvent(context.Background(), closed))
	require.Equal(t, []enums.ChargebackOutcome{enums.ChargebackOutcomeWithdrawn}, pays.resolutions)
}

func TestService_ClosedDisputeWithoutChargebackIsSkipped(t *testing.T) {
	service, pays, _ := newTestService(t, enums.PaymentStatusCaptured)

	closed := newEvent(t, stripe.EventTypeChargeDisputeClosed, map[string]any{
		"id":             "dp_missing",
		"status":         "won",
		"payment_intent": "pi_123",
	})
	require.NoError(t, service.HandleEvent(context.Background(), closed))
	require.Empty(t, pays.resolutions)
}

func TestService_MalformedPayloadRejected(t *testing.T) {
	service, _, _ := newTestService(t, enums.PaymentStatusAuthorized)

	event := &stripe.Event{Type: stripe.EventTypePaymentIntentSucceeded, Data: &stripe.EventData{Raw: json.RawMessage(`{"id":`)}}
	err := service.HandleEvent(context.Background(), event)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = service.HandleEvent(context.Background(), &stripe.Event{Type: stripe.EventTypeChargeDisputeCreated})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestService_OtherEventsIgnored(t *testing.T) {
	service, pays, _ := newTestService(t, enums.PaymentStatusAuthorized)

	event := newEvent(t, stripe.EventTypeCustomerCreated, map[string]any{"id": "cus_1"})
	require.NoError(t, service.HandleEvent(context.Background(), event))
	require.Empty(t, pays.captured)
}
