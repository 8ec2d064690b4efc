package orders

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

// ConfirmInput carries the capture evidence an admin attaches to a cash or transfer payment.
type ConfirmInput struct {
	Evidence *models.CaptureEvidence `json:"evidence"`
	Actor    string                  `json:"-"`
}

// VerifyPayment records that an admin reviewed transfer evidence. Money has not moved yet.
func (s *Service) VerifyPayment(ctx context.Context, orderID uuid.UUID, note, actor string) (*models.Order, error) {
	actor = actorOrSystem(actor)
	ctx = s.withOrder(ctx, orderID)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Status == enums.OrderStatusPaymentVerified {
			return nil
		}
		payment, err := s.payments.WithTx(tx).OpenForOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if payment == nil || payment.Status != enums.PaymentStatusAuthorized {
			return pkgerrors.New(pkgerrors.CodePaymentNotCapturable, "order has no authorized payment to verify")
		}
		reason := strings.TrimSpace(note)
		if reason == "" {
			reason = "payment evidence reviewed"
		}
		return s.transition(ctx, tx, order, enums.OrderStatusPaymentVerified, actor, reason, map[string]any{
			"payment_verified_at": s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, orderID)
}

// ConfirmPayment captures the open payment and moves the order to processing, consuming its stock
// reservation. Card captures call the provider before the order transaction; cash and transfer
// captures commit together with the order. Confirming an order that is already past payment is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, orderID uuid.UUID, in ConfirmInput) (*models.Order, error) {
	actor := actorOrSystem(in.Actor)
	ctx = s.withOrder(ctx, orderID)
	order, err := s.reload(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reservationCommitted(order.Status) || order.Status == enums.OrderStatusReturned {
		return order, nil
	}
	if order.Status != enums.OrderStatusPendingPayment && order.Status != enums.OrderStatusPaymentVerified {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order payment cannot be confirmed").
			WithDetails(map[string]any{"status": order.Status})
	}
	payment, err := s.payments.OpenForOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodePaymentNotCapturable, "order has no open payment")
	}

	capture := payments.CaptureInput{Evidence: in.Evidence, Actor: actor}
	if !payment.Method.RequiresEvidence() {
		if _, err := s.payments.Capture(ctx, payment.ID, capture); err != nil {
			return nil, err
		}
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if reservationCommitted(current.Status) {
			return nil
		}
		if payment.Method.RequiresEvidence() {
			if _, err := s.payments.WithTx(tx).Capture(ctx, payment.ID, capture); err != nil {
				return err
			}
		}
		now := s.now()
		updates := map[string]any{
			"payment_status": enums.PaymentStatusCaptured,
			"processing_at":  now,
		}
		if current.PaymentVerifiedAt == nil {
			updates["payment_verified_at"] = now
		}
		if err := s.transition(ctx, tx, current, enums.OrderStatusProcessing, actor, "payment confirmed", updates); err != nil {
			return err
		}
		if err := s.inventory.WithTx(tx).CommitLines(ctx, orderLines(current), inventory.OrderRef(current.ID)); err != nil {
			return err
		}
		return s.notify(ctx, tx, current, enums.NotificationTypePaymentConfirmed, actor, map[string]any{
			"reference":    current.Reference,
			"amount_cents": payment.AmountGrossCents,
			"method":       payment.Method,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, orderID)
}

// RejectPayment cancels an order whose payment an admin refused. Only orders still waiting on
// payment can be rejected.
func (s *Service) RejectPayment(ctx context.Context, orderID uuid.UUID, reason, actor string) (*models.Order, error) {
	return s.Cancel(ctx, orderID, CancelInput{
		Kind:   enums.CancelReasonPaymentRejected,
		Reason: reason,
		Actor:  actor,
	})
}

// RetryPaymentInput carries a fresh card source for another payment attempt.
type RetryPaymentInput struct {
	PaymentSource string `json:"payment_source"`
	Actor         string `json:"-"`
}

// RetryPayment gives an order still waiting on payment another attempt. An attempt left pending
// by a provider timeout is authorized again under its original provider key. When the last attempt
// failed or was voided a new one is opened under the next attempt key.
func (s *Service) RetryPayment(ctx context.Context, orderID uuid.UUID, in RetryPaymentInput) (*models.Order, error) {
	actor := actorOrSystem(in.Actor)
	ctx = s.withOrder(ctx, orderID)
	order, err := s.reload(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != enums.OrderStatusPendingPayment {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only orders waiting on payment can retry it").
			WithDetails(map[string]any{"status": order.Status})
	}
	source := strings.TrimSpace(in.PaymentSource)
	if order.PaymentMethod.IsCard() && order.AmountDueCents() > 0 && source == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment source is required for card payments")
	}

	var payment *models.Payment
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if current.Status != enums.OrderStatusPendingPayment {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only orders waiting on payment can retry it").
				WithDetails(map[string]any{"status": current.Status})
		}
		paySvc := s.payments.WithTx(tx)
		open, err := paySvc.OpenForOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		if open != nil {
			payment = open
			return nil
		}
		attempts, err := paySvc.ListForOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		payment, err = paySvc.CreatePending(ctx, payments.PendingInput{
			OrderID:        current.ID,
			CustomerID:     current.CustomerID,
			Method:         current.PaymentMethod,
			AmountCents:    current.AmountDueCents(),
			Currency:       current.Currency,
			IdempotencyKey: ledger.Key("order", current.ID, "payment", strconv.Itoa(len(attempts)+1)),
		})
		if err != nil {
			return err
		}
		s.logInfo(ctx, "payment attempt opened", map[string]any{"payment_id": payment.ID.String(), "attempt": len(attempts) + 1})
		return s.syncPaymentStatus(ctx, repo, current, payment.Status)
	})
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case enums.PaymentStatusPending:
	case enums.PaymentStatusAuthorized:
		return s.reload(ctx, orderID)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order payment is already settled").
			WithDetails(map[string]any{"payment_id": payment.ID, "status": payment.Status})
	}

	if order.PaymentMethod.IsCard() && payment.AmountGrossCents > 0 {
		return s.authorizeCard(ctx, order, payment, source, actor)
	}
	authorized, err := s.payments.Authorize(ctx, payment.ID, payments.AuthorizeInput{
		OrderReference: order.Reference,
		CustomerRef:    order.CustomerID.String(),
		Actor:          actor,
	})
	if err != nil {
		return nil, err
	}
	if err := s.syncPaymentStatus(ctx, s.repo, order, authorized.Status); err != nil {
		return nil, err
	}
	if authorized.AmountGrossCents == 0 {
		return s.ConfirmPayment(ctx, orderID, ConfirmInput{Actor: actor})
	}
	return s.reload(ctx, orderID)
}
