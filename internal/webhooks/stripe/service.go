package stripewebhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"

	"github.com/angelmondragon/dispensary-engine/internal/orders"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

const webhookActor = "stripe:webhook"

type paymentEvents interface {
	FindByProviderRef(ctx context.Context, provider, providerRef string) (*models.Payment, error)
	CaptureByProviderRef(ctx context.Context, provider, providerRef, actor string) (*payments.CaptureResult, error)
	Fail(ctx context.Context, paymentID uuid.UUID, code, message, actor string) (*models.Payment, error)
	OpenChargeback(ctx context.Context, in payments.ChargebackInput) (*models.Chargeback, bool, error)
	FindChargebackByCase(ctx context.Context, paymentID uuid.UUID, caseID string) (*models.Chargeback, error)
	ResolveChargeback(ctx context.Context, chargebackID uuid.UUID, outcome enums.ChargebackOutcome, actor string) (*models.Chargeback, error)
}

type orderConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID uuid.UUID, in orders.ConfirmInput) (*models.Order, error)
}

type ServiceParams struct {
	Payments paymentEvents
	Orders   orderConfirmer
	Logger   *logger.Logger
}

type Service struct {
	payments paymentEvents
	orders   orderConfirmer
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments service required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders service required")
	}
	return &Service{
		payments: params.Payments,
		orders:   params.Orders,
		logg:     params.Logger,
	}, nil
}

// HandleEvent applies PaymentIntent and dispute events. Intents the engine did not create are skipped.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		intent, err := decode[stripe.PaymentIntent](event, "payment intent")
		if err != nil {
			return err
		}
		return s.captured(ctx, intent)
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		intent, err := decode[stripe.PaymentIntent](event, "payment intent")
		if err != nil {
			return err
		}
		return s.failed(ctx, intent, string(event.Type))
	case stripe.EventTypeChargeDisputeCreated:
		dispute, err := decode[stripe.Dispute](event, "dispute")
		if err != nil {
			return err
		}
		return s.openDispute(ctx, dispute)
	case stripe.EventTypeChargeDisputeClosed:
		dispute, err := decode[stripe.Dispute](event, "dispute")
		if err != nil {
			return err
		}
		return s.closeDispute(ctx, dispute)
	default:
		return nil
	}
}

func decode[T any](event *stripe.Event, what string) (*T, error) {
	var out T
	if err := json.Unmarshal(event.Data.Raw, &out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode "+what+" event")
	}
	return &out, nil
}

func (s *Service) captured(ctx context.Context, intent *stripe.PaymentIntent) error {
	result, err := s.payments.CaptureByProviderRef(ctx, config.CardProviderStripe, intent.ID, webhookActor)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		s.warn(ctx, "stripe payment intent is not tracked", intent.ID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.orders.ConfirmPayment(ctx, result.Payment.OrderID, orders.ConfirmInput{Actor: webhookActor})
	if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		s.warn(ctx, "captured payment belongs to an order that can no longer be confirmed", intent.ID)
		return nil
	}
	return err
}

func (s *Service) failed(ctx context.Context, intent *stripe.PaymentIntent, code string) error {
	payment, err := s.tracked(ctx, intent.ID)
	if err != nil || payment == nil {
		return err
	}
	if payment.Status != enums.PaymentStatusPending && payment.Status != enums.PaymentStatusAuthorized {
		return nil
	}
	message := "stripe reported " + code
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		message = intent.LastPaymentError.Msg
	}
	_, err = s.payments.Fail(ctx, payment.ID, code, message, webhookActor)
	return err
}

func (s *Service) openDispute(ctx context.Context, dispute *stripe.Dispute) error {
	if dispute.PaymentIntent == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute has no payment intent")
	}
	payment, err := s.tracked(ctx, dispute.PaymentIntent.ID)
	if err != nil || payment == nil {
		return err
	}
	amount := payment.AmountGrossCents
	if dispute.Amount > 0 {
		amount = int(dispute.Amount)
	}
	stage := enums.ChargebackStageChargeback
	if dispute.Status == stripe.DisputeStatusWarningNeedsResponse || dispute.Status == stripe.DisputeStatusWarningUnderReview {
		stage = enums.ChargebackStageInquiry
	}
	var deadline *time.Time
	if dispute.EvidenceDetails != nil && dispute.EvidenceDetails.DueBy > 0 {
		due := time.Unix(dispute.EvidenceDetails.DueBy, 0).UTC()
		deadline = &due
	}
	_, _, err = s.payments.OpenChargeback(ctx, payments.ChargebackInput{
		PaymentID:   payment.ID,
		CaseID:      dispute.ID,
		AmountCents: amount,
		Reason:      string(dispute.Reason),
		Stage:       stage,
		Deadline:    deadline,
		Actor:       webhookActor,
	})
	return err
}

func (s *Service) closeDispute(ctx context.Context, dispute *stripe.Dispute) error {
	var outcome enums.ChargebackOutcome
	switch dispute.Status {
	case stripe.DisputeStatusWon:
		outcome = enums.ChargebackOutcomeWon
	case stripe.DisputeStatusLost:
		outcome = enums.ChargebackOutcomeLost
	case stripe.DisputeStatusWarningClosed:
		outcome = enums.ChargebackOutcomeWithdrawn
	default:
		return nil
	}
	if dispute.PaymentIntent == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute has no payment intent")
	}
	payment, err := s.tracked(ctx, dispute.PaymentIntent.ID)
	if err != nil || payment == nil {
		return err
	}
	chargeback, err := s.payments.FindChargebackByCase(ctx, payment.ID, dispute.ID)
	if err != nil {
		return err
	}
	if chargeback == nil {
		s.warn(ctx, "stripe dispute was never opened", dispute.ID)
		return nil
	}
	_, err = s.payments.ResolveChargeback(ctx, chargeback.ID, outcome, webhookActor)
	return err
}

func (s *Service) tracked(ctx context.Context, intentID string) (*models.Payment, error) {
	if intentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	payment, err := s.payments.FindByProviderRef(ctx, config.CardProviderStripe, intentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		s.warn(ctx, "stripe payment intent is not tracked", intentID)
	}
	return payment, nil
}

func (s *Service) warn(ctx context.Context, msg, ref string) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "provider_ref", ref), msg)
}
