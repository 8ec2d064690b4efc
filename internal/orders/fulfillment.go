package orders

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/money"
)

// MarkShipped hands a processing order to the carrier.
func (s *Service) MarkShipped(ctx context.Context, orderID uuid.UUID, tracking, actor string) (*models.Order, error) {
	tracking = strings.TrimSpace(tracking)
	updates := map[string]any{
		"shipped_at":         s.now(),
		"fulfillment_status": enums.FulfillmentStatusFulfilled,
	}
	if tracking != "" {
		updates["tracking_number"] = tracking
	}
	return s.advance(ctx, orderID, enums.OrderStatusShipped, actor, "shipped", updates,
		enums.NotificationTypeOrderShipped, map[string]any{"tracking_number": tracking})
}

func (s *Service) MarkDelivered(ctx context.Context, orderID uuid.UUID, actor string) (*models.Order, error) {
	return s.advance(ctx, orderID, enums.OrderStatusDelivered, actor, "delivered", map[string]any{
		"delivered_at":       s.now(),
		"fulfillment_status": enums.FulfillmentStatusDelivered,
	}, enums.NotificationTypeOrderDelivered, nil)
}

// advance applies a forward move with no inventory effect. Repeating a move already made is a no-op.
func (s *Service) advance(ctx context.Context, orderID uuid.UUID, to enums.OrderStatus, actor, reason string, updates map[string]any, notification enums.NotificationType, data map[string]any) (*models.Order, error) {
	actor = actorOrSystem(actor)
	ctx = s.withOrder(ctx, orderID)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.lock(ctx, s.repo.WithTx(tx), orderID)
		if err != nil {
			return err
		}
		if order.Status == to {
			return nil
		}
		if err := s.transition(ctx, tx, order, to, actor, reason, updates); err != nil {
			return err
		}
		if data == nil {
			data = map[string]any{}
		}
		data["reference"] = order.Reference
		return s.notify(ctx, tx, order, notification, actor, data)
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, orderID)
}

// RequestReturn accepts goods back from a delivered order. Returned units are restocked, a draft
// refund is opened for their value clamped to what the payment can still refund, and the order
// moves to returned.
func (s *Service) RequestReturn(ctx context.Context, orderID uuid.UUID, in ReturnInput) (*ReturnResult, error) {
	if err := s.checkInput(in); err != nil {
		return nil, err
	}
	actor := actorOrSystem(in.Actor)
	reason := strings.TrimSpace(in.Reason)
	ctx = s.withOrder(ctx, orderID)

	result := &ReturnResult{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lock(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusDelivered {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only delivered orders can be returned").
				WithDetails(map[string]any{"status": order.Status})
		}

		byID := make(map[uuid.UUID]models.OrderItem, len(order.Items))
		for _, item := range order.Items {
			byID[item.ID] = item
		}
		ret := &models.ReturnRequest{
			ID:          uuid.New(),
			OrderID:     order.ID,
			Reason:      reason,
			RequestedBy: actor,
		}
		restock := make([]inventory.Line, 0, len(in.Lines))
		for _, line := range in.Lines {
			item, ok := byID[line.OrderItemID]
			if !ok {
				return pkgerrors.New(pkgerrors.CodeValidation, "return line does not belong to the order").
					WithDetails(map[string]any{"order_item_id": line.OrderItemID})
			}
			if line.Quantity > item.Quantity-item.ReturnedQty {
				return pkgerrors.New(pkgerrors.CodeValidation, "return quantity exceeds what was delivered").
					WithDetails(map[string]any{
						"order_item_id": item.ID,
						"returnable":    item.Quantity - item.ReturnedQty,
						"requested":     line.Quantity,
					})
			}
			added, err := repo.AddReturnedQuantity(ctx, item.ID, line.Quantity)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record returned quantity")
			}
			if !added {
				return pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "order item returned concurrently")
			}
			ret.Lines = append(ret.Lines, models.ReturnLine{OrderItemID: item.ID, Quantity: line.Quantity})
			ret.AmountCents += money.Prorate(item.TotalCents, line.Quantity, item.Quantity)
			restock = append(restock, inventory.Line{
				Key:      inventory.Key{WarehouseID: item.WarehouseID, ProductID: item.ProductID, VariantID: item.VariantID},
				Quantity: line.Quantity,
			})
		}

		refund, err := s.draftReturnRefund(ctx, tx, order, ret, actor)
		if err != nil {
			return err
		}
		if refund != nil {
			ret.RefundID = &refund.ID
			result.Refund = refund
		}
		if err := repo.CreateReturn(ctx, ret); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create return request")
		}
		result.Return = ret

		if err := s.inventory.WithTx(tx).RestockLines(ctx, restock, inventory.Reference{Type: inventory.RefReturn, ID: ret.ID}, reason); err != nil {
			return err
		}
		if err := s.transition(ctx, tx, order, enums.OrderStatusReturned, actor, reason, map[string]any{
			"returned_at":        s.now(),
			"fulfillment_status": enums.FulfillmentStatusReturned,
		}); err != nil {
			return err
		}
		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeOrderReturned,
			AggregateType:  enums.AggregateOrder,
			AggregateID:    order.ID,
			OrderID:        &order.ID,
			RefundID:       ret.RefundID,
			Actor:          actor,
			AmountCents:    -ret.AmountCents,
			Currency:       order.Currency,
			IdempotencyKey: ledger.Key("return", ret.ID, "requested"),
			Metadata: map[string]any{
				"return_id": ret.ID,
				"lines":     len(ret.Lines),
			},
		}); err != nil {
			return err
		}
		return s.notify(ctx, tx, order, enums.NotificationTypeReturnRequested, actor, map[string]any{
			"reference":    order.Reference,
			"amount_cents": ret.AmountCents,
		})
	})
	if err != nil {
		return nil, err
	}
	order, err := s.reload(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result.Order = order
	return result, nil
}

// draftReturnRefund opens a draft refund against the captured payment of the order. It returns nil
// when nothing was charged to a payment, as with orders paid entirely by gift card.
func (s *Service) draftReturnRefund(ctx context.Context, tx *gorm.DB, order *models.Order, ret *models.ReturnRequest, actor string) (*models.Refund, error) {
	if ret.AmountCents <= 0 {
		return nil, nil
	}
	paySvc := s.payments.WithTx(tx)
	attempts, err := paySvc.ListForOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	var payment *models.Payment
	for i := range attempts {
		if attempts[i].Status.IsRefundable() {
			payment = &attempts[i]
			break
		}
	}
	if payment == nil {
		return nil, nil
	}
	remainder, err := paySvc.RefundableRemainder(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	amount := ret.AmountCents
	if amount > remainder {
		amount = remainder
	}
	if amount <= 0 {
		return nil, nil
	}
	return paySvc.DraftRefund(ctx, payments.RefundInput{
		PaymentID:   payment.ID,
		AmountCents: amount,
		Reason:      enums.RefundReasonCustomerReturn,
		Note:        ret.Reason,
		RequestedBy: actor,
	})
}
