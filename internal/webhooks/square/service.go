package squarewebhook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/internal/orders"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

const webhookActor = "square:webhook"

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

// Service applies Square payment and dispute notifications to the payment workflow.
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

type SquareWebhookEvent struct {
	EventID string            `json:"event_id"`
	Type    string            `json:"type"`
	Data    SquareWebhookData `json:"data"`
}

type SquareWebhookData struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Object SquareWebhookObject `json:"object"`
}

type SquareWebhookObject struct {
	Payment *SquarePayment `json:"payment"`
	Dispute *SquareDispute `json:"dispute"`
}

type SquareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type SquarePayment struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	AmountMoney *SquareMoney `json:"amount_money"`
}

type SquareDispute struct {
	ID              string                 `json:"id"`
	DisputeID       string                 `json:"dispute_id"`
	State           string                 `json:"state"`
	Reason          string                 `json:"reason"`
	DueAt           string                 `json:"due_at"`
	AmountMoney     *SquareMoney           `json:"amount_money"`
	DisputedPayment *SquareDisputedPayment `json:"disputed_payment"`
}

type SquareDisputedPayment struct {
	PaymentID string `json:"payment_id"`
}

func (d *SquareDispute) caseID() string {
	if d.DisputeID != "" {
		return d.DisputeID
	}
	return d.ID
}

func (d *SquareDispute) paymentID() string {
	if d.DisputedPayment == nil {
		return ""
	}
	return d.DisputedPayment.PaymentID
}

// HandleEvent processes Square payment and dispute events; other types are acknowledged and ignored.
func (s *Service) HandleEvent(ctx context.Context, event *SquareWebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "square event required")
	}

	switch strings.ToLower(event.Type) {
	case "payment.updated":
		if event.Data.Object.Payment == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
		}
		return s.syncPayment(ctx, event.Data.Object.Payment)
	case "dispute.created":
		if event.Data.Object.Dispute == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "dispute payload missing")
		}
		return s.openDispute(ctx, event.Data.Object.Dispute)
	case "dispute.state.updated", "dispute.state.changed":
		if event.Data.Object.Dispute == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "dispute payload missing")
		}
		return s.closeDispute(ctx, event.Data.Object.Dispute)
	default:
		return nil
	}
}

func (s *Service) syncPayment(ctx context.Context, sqPayment *SquarePayment) error {
	switch strings.ToUpper(sqPayment.Status) {
	case "COMPLETED":
		result, err := s.payments.CaptureByProviderRef(ctx, config.CardProviderSquare, sqPayment.ID, webhookActor)
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			s.warn(ctx, "square payment is not tracked", sqPayment.ID)
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.orders.ConfirmPayment(ctx, result.Payment.OrderID, orders.ConfirmInput{Actor: webhookActor})
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			s.warn(ctx, "captured payment belongs to an order that can no longer be confirmed", sqPayment.ID)
			return nil
		}
		return err
	case "FAILED", "CANCELED":
		payment, err := s.tracked(ctx, sqPayment.ID)
		if err != nil || payment == nil {
			return err
		}
		if payment.Status != enums.PaymentStatusPending && payment.Status != enums.PaymentStatusAuthorized {
			return nil
		}
		_, err = s.payments.Fail(ctx, payment.ID, strings.ToLower(sqPayment.Status), "square reported the payment "+strings.ToLower(sqPayment.Status), webhookActor)
		return err
	default:
		return nil
	}
}

func (s *Service) openDispute(ctx context.Context, dispute *SquareDispute) error {
	payment, err := s.tracked(ctx, dispute.paymentID())
	if err != nil || payment == nil {
		return err
	}
	amount := payment.AmountGrossCents
	if dispute.AmountMoney != nil && dispute.AmountMoney.Amount > 0 {
		amount = int(dispute.AmountMoney.Amount)
	}
	stage := enums.ChargebackStageChargeback
	if strings.HasPrefix(strings.ToUpper(dispute.State), "INQUIRY") {
		stage = enums.ChargebackStageInquiry
	}
	var deadline *time.Time
	if due, err := time.Parse(time.RFC3339, dispute.DueAt); err == nil {
		deadline = &due
	}
	_, _, err = s.payments.OpenChargeback(ctx, payments.ChargebackInput{
		PaymentID:   payment.ID,
		CaseID:      dispute.caseID(),
		AmountCents: amount,
		Reason:      strings.ToLower(dispute.Reason),
		Stage:       stage,
		Deadline:    deadline,
		Actor:       webhookActor,
	})
	return err
}

func (s *Service) closeDispute(ctx context.Context, dispute *SquareDispute) error {
	var outcome enums.ChargebackOutcome
	switch strings.ToUpper(dispute.State) {
	case "WON":
		outcome = enums.ChargebackOutcomeWon
	case "LOST", "ACCEPTED":
		outcome = enums.ChargebackOutcomeLost
	case "INQUIRY_CLOSED":
		outcome = enums.ChargebackOutcomeWithdrawn
	default:
		return nil
	}
	payment, err := s.tracked(ctx, dispute.paymentID())
	if err != nil || payment == nil {
		return err
	}
	chargeback, err := s.payments.FindChargebackByCase(ctx, payment.ID, dispute.caseID())
	if err != nil {
		return err
	}
	if chargeback == nil {
		s.warn(ctx, "square dispute was never opened", dispute.caseID())
		return nil
	}
	_, err = s.payments.ResolveChargeback(ctx, chargeback.ID, outcome, webhookActor)
	return err
}

// tracked loads the payment behind a Square payment id; unknown ids are logged and skipped.
func (s *Service) tracked(ctx context.Context, squarePaymentID string) (*models.Payment, error) {
	if squarePaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square payment id missing")
	}
	payment, err := s.payments.FindByProviderRef(ctx, config.CardProviderSquare, squarePaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		s.warn(ctx, "square payment is not tracked", squarePaymentID)
	}
	return payment, nil
}

func (s *Service) warn(ctx context.Context, msg, ref string) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "provider_ref", ref), msg)
}
