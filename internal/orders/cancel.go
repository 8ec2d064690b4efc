package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/payloads"
)

// Cancel moves an order to cancelled and undoes its side effects in the same transaction:
//   - held stock is released, or restocked when the order was still processing in the warehouse;
//   - shipped or delivered units are not restocked, since they only come back through a return;
//   - an uncaptured payment attempt is failed, while a captured one stays captured for an explicit refund;
//   - a redeemed gift card amount is credited back once.
//
// Cancelling a cancelled order returns it unchanged.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, in CancelInput) (*models.Order, error) {
	if in.Kind == "" {
		in.Kind = enums.CancelReasonAdmin
	}
	if !in.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid cancel reason kind %q", in.Kind))
	}
	if err := s.checkInput(in); err != nil {
		return nil, err
	}
	actor := actorOrSystem(in.Actor)
	reason := strings.TrimSpace(in.Reason)
	ctx = s.withOrder(ctx, orderID)

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Status == enums.OrderStatusCancelled {
			return nil
		}
		if in.Kind == enums.CancelReasonPaymentRejected &&
			order.Status != enums.OrderStatusPendingPayment && order.Status != enums.OrderStatusPaymentVerified {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment can only be rejected before it is confirmed").
				WithDetails(map[string]any{"status": order.Status})
		}
		if !CanTransition(order.Status, enums.OrderStatusCancelled) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order can no longer be cancelled").
				WithDetails(map[string]any{"status": order.Status})
		}
		from := order.Status

		paymentStatus := order.PaymentStatus
		paySvc := s.payments.WithTx(tx)
		open, err := paySvc.OpenForOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if open != nil && (open.Status == enums.PaymentStatusPending || open.Status == enums.PaymentStatusAuthorized) {
			failed, err := paySvc.Fail(ctx, open.ID, string(in.Kind), reason, actor)
			if err != nil {
				return err
			}
			paymentStatus = failed.Status
		}

		if order.GiftCardCode != nil && order.GiftCardAppliedCents > 0 {
			if _, _, err := s.giftCards.WithTx(tx).CompensateOrder(ctx, *order.GiftCardCode, order.ID, order.GiftCardAppliedCents, actor); err != nil {
				return err
			}
		}

		inv := s.inventory.WithTx(tx)
		lines := orderLines(order)
		ref := inventory.OrderRef(order.ID)
		var stockAction string
		switch {
		case !reservationCommitted(from):
			stockAction = "released"
			err = inv.ReleaseLines(ctx, lines, ref)
		case from == enums.OrderStatusProcessing:
			stockAction = "restocked"
			err = inv.RestockLines(ctx, lines, ref, "order cancelled")
		default:
			// units are with the carrier or the customer; they come back through RequestReturn
			stockAction = "left_warehouse"
		}
		if err != nil {
			return err
		}

		now := s.now()
		updates := map[string]any{
			"payment_status":     paymentStatus,
			"cancel_reason_kind": in.Kind,
			"cancelled_at":       now,
		}
		if reason != "" {
			updates["cancel_reason"] = reason
		}
		if err := s.transition(ctx, tx, order, enums.OrderStatusCancelled, actor, reason, updates); err != nil {
			return err
		}

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeOrderCancelled,
			AggregateType:  enums.AggregateOrder,
			AggregateID:    order.ID,
			OrderID:        &order.ID,
			Actor:          actor,
			AmountCents:    -order.TotalCents,
			Currency:       order.Currency,
			IdempotencyKey: ledger.Key("order", order.ID, "cancelled"),
			Metadata: map[string]any{
				"from_status":             from,
				"reason_kind":             in.Kind,
				"stock":                   stockAction,
				"gift_card_applied_cents": order.GiftCardAppliedCents,
			},
		}); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actorRef(actor),
			Data: payloads.OrderCancelledEvent{
				OrderID:     order.ID,
				ReasonKind:  in.Kind,
				Reason:      reason,
				CancelledAt: now,
			},
		}); err != nil {
			return err
		}
		notification := enums.NotificationTypeOrderCancelled
		if in.Kind == enums.CancelReasonPaymentRejected {
			notification = enums.NotificationTypePaymentRejected
		}
		return s.notify(ctx, tx, order, notification, actor, map[string]any{
			"reference":   order.Reference,
			"reason_kind": in.Kind,
			"reason":      reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, orderID)
}
