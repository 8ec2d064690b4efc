package orders

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/giftcards"
	"github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/metrics"
	"github.com/angelmondragon/dispensary-engine/pkg/money"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/payloads"
)

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	DB        txRunner
	Repo      Repository
	Inventory *inventory.Service
	Payments  *payments.Service
	GiftCards *giftcards.Service
	Ledger    ledger.Service
	Outbox    outbox.Emitter
	Config    config.OrdersConfig
	Logger    *logger.Logger
	Metrics   *metrics.EngineMetrics
}

// Service is the order lifecycle orchestrator. It owns every order status write and sequences
// inventory, payment and gift card side effects around them.
type Service struct {
	db        txRunner
	repo      Repository
	inventory *inventory.Service
	payments  *payments.Service
	giftCards *giftcards.Service
	ledger    ledger.Service
	outbox    outbox.Emitter
	cfg       config.OrdersConfig
	validate  *validator.Validate
	logg      *logger.Logger
	metrics   *metrics.EngineMetrics
	now       func() time.Time
	reference func() string
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db required")
	case params.Repo == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Inventory == nil:
		return nil, fmt.Errorf("inventory service required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payments service required")
	case params.GiftCards == nil:
		return nil, fmt.Errorf("gift card service required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger service required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Service{
		db:        params.DB,
		repo:      params.Repo,
		inventory: params.Inventory,
		payments:  params.Payments,
		giftCards: params.GiftCards,
		ledger:    params.Ledger,
		outbox:    params.Outbox,
		cfg:       params.Config,
		validate:  newValidator(),
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		reference: func() string { return ulid.Make().String() },
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// CreateOrder reserves stock for every line, then writes the order, its items, the pending
// payment and any gift card redemption in one transaction. Reservations are released when anything
// after them fails. Card orders carrying a payment source are authorized once the order exists; a
// decline keeps the order in pending_payment and the error is returned alongside it.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if err := s.checkInput(in); err != nil {
		return nil, err
	}
	if !in.PaymentMethod.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid payment method %q", in.PaymentMethod))
	}
	if in.Currency == "" {
		in.Currency = enums.CurrencyUSD
	}
	if !in.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", in.Currency))
	}
	actor := actorOrSystem(in.Actor)

	order := &models.Order{
		ID:                uuid.New(),
		Reference:         s.reference(),
		CustomerID:        in.CustomerID,
		Status:            enums.OrderStatusPendingPayment,
		PaymentStatus:     enums.PaymentStatusPending,
		PaymentMethod:     in.PaymentMethod,
		FulfillmentStatus: enums.FulfillmentStatusUnfulfilled,
		Currency:          in.Currency,
		ShippingCents:     in.ShippingCents,
		DiscountCents:     in.DiscountCents,
		ShippingAddressID: in.ShippingAddressID,
		BillingAddressID:  in.BillingAddressID,
	}
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		order.Notes = &notes
	}

	items := make([]models.OrderItem, 0, len(in.Lines))
	lines := make([]inventory.Line, 0, len(in.Lines))
	for _, line := range in.Lines {
		subtotal := line.UnitPriceCents * line.Quantity
		items = append(items, models.OrderItem{
			WarehouseID:    line.WarehouseID,
			ProductID:      line.ProductID,
			VariantID:      line.VariantID,
			ProductName:    strings.TrimSpace(line.ProductName),
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			SubtotalCents:  subtotal,
			TaxCents:       line.TaxCents,
			TotalCents:     subtotal + line.TaxCents,
			PrescriptionID: line.PrescriptionID,
		})
		lines = append(lines, inventory.Line{
			Key:      inventory.Key{WarehouseID: line.WarehouseID, ProductID: line.ProductID, VariantID: line.VariantID},
			Quantity: line.Quantity,
		})
		order.SubtotalCents += subtotal
		order.TaxCents += line.TaxCents
	}
	order.TotalCents = money.Total(order.SubtotalCents, order.TaxCents, order.ShippingCents, order.DiscountCents)
	if order.TotalCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "discount exceeds order value")
	}
	if in.TotalCents != 0 && in.TotalCents != order.TotalCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total does not match its lines").
			WithDetails(map[string]any{"expected_cents": order.TotalCents, "submitted_cents": in.TotalCents})
	}

	var pin string
	if in.GiftCard != nil {
		applied, err := s.giftCardAmount(ctx, in.GiftCard, order.TotalCents)
		if err != nil {
			return nil, err
		}
		code := giftcards.NormalizeCode(in.GiftCard.Code)
		order.GiftCardCode = &code
		order.GiftCardAppliedCents = applied
		pin = in.GiftCard.PIN
	}

	ctx = s.withOrder(ctx, order.ID)
	ref := inventory.OrderRef(order.ID)
	if err := s.inventory.ReserveLines(ctx, lines, ref); err != nil {
		return nil, err
	}

	var payment *models.Payment
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create order")
		}
		if err := repo.AddItems(ctx, order.ID, items); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create order items")
		}
		order.Items = items
		if err := s.record(ctx, tx, order, "", enums.OrderStatusPendingPayment, actor, "order placed"); err != nil {
			return err
		}

		if order.GiftCardAppliedCents > 0 {
			if _, err := s.giftCards.WithTx(tx).Debit(ctx, *order.GiftCardCode, order.GiftCardAppliedCents, giftcards.Movement{
				OrderID: &order.ID,
				PIN:     pin,
				Note:    "checkout " + order.Reference,
				Actor:   actor,
			}); err != nil {
				return err
			}
		}

		paySvc := s.payments.WithTx(tx)
		var err error
		payment, err = paySvc.CreatePending(ctx, payments.PendingInput{
			OrderID:     order.ID,
			CustomerID:  order.CustomerID,
			Method:      order.PaymentMethod,
			AmountCents: order.AmountDueCents(),
			Currency:    order.Currency,
		})
		if err != nil {
			return err
		}
		if order.PaymentMethod.RequiresEvidence() || payment.AmountGrossCents == 0 {
			// no gateway round trip here, so the hold is recorded with the order
			payment, err = paySvc.Authorize(ctx, payment.ID, payments.AuthorizeInput{
				OrderReference: order.Reference,
				CustomerRef:    order.CustomerID.String(),
				Actor:          actor,
			})
			if err != nil {
				return err
			}
			if err := s.syncPaymentStatus(ctx, repo, order, payment.Status); err != nil {
				return err
			}
		}

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeOrderCreated,
			AggregateType:  enums.AggregateOrder,
			AggregateID:    order.ID,
			OrderID:        &order.ID,
			PaymentID:      &payment.ID,
			Actor:          actor,
			AmountCents:    order.TotalCents,
			Currency:       order.Currency,
			IdempotencyKey: ledger.Key("order", order.ID, "created"),
			Metadata: map[string]any{
				"reference":               order.Reference,
				"payment_method":          order.PaymentMethod,
				"lines":                   len(items),
				"gift_card_applied_cents": order.GiftCardAppliedCents,
			},
		}); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actorRef(actor),
			Data: payloads.OrderCreatedEvent{
				OrderID:       order.ID,
				Reference:     order.Reference,
				CustomerID:    order.CustomerID,
				PaymentMethod: order.PaymentMethod,
				TotalCents:    order.TotalCents,
				Currency:      order.Currency,
			},
		}); err != nil {
			return err
		}
		return s.notify(ctx, tx, order, enums.NotificationTypeOrderPlaced, actor, map[string]any{
			"reference":   order.Reference,
			"total_cents": order.TotalCents,
		})
	})
	if err != nil {
		if releaseErr := s.inventory.ReleaseLines(context.WithoutCancel(ctx), lines, ref); releaseErr != nil {
			err = multierr.Append(err, releaseErr)
		}
		s.logError(ctx, "create order failed", err)
		return nil, err
	}
	s.logInfo(ctx, "order created", map[string]any{"reference": order.Reference, "total_cents": order.TotalCents})

	switch {
	case payment.AmountGrossCents == 0:
		// stored value covered everything, so there is nothing left to wait for
		return s.ConfirmPayment(ctx, order.ID, ConfirmInput{Actor: actor})
	case order.PaymentMethod.IsCard() && strings.TrimSpace(in.PaymentSource) != "":
		return s.authorizeCard(ctx, order, payment, in.PaymentSource, actor)
	}
	return s.reload(ctx, order.ID)
}

// authorizeCard runs the gateway call outside any transaction. The order survives a decline or a
// timeout; the caller gets the order back together with the provider error.
func (s *Service) authorizeCard(ctx context.Context, order *models.Order, payment *models.Payment, source, actor string) (*models.Order, error) {
	authorized, authErr := s.payments.Authorize(ctx, payment.ID, payments.AuthorizeInput{
		SourceToken:    source,
		OrderReference: order.Reference,
		CustomerRef:    order.CustomerID.String(),
		Actor:          actor,
	})
	status := payment.Status
	switch {
	case authErr == nil:
		status = authorized.Status
	case pkgerrors.IsCode(authErr, pkgerrors.CodeProviderDeclined):
		status = enums.PaymentStatusFailed
	}
	if status != "" {
		if err := s.syncPaymentStatus(ctx, s.repo, order, status); err != nil {
			s.logError(ctx, "sync order payment status", err)
		}
	}
	current, err := s.reload(ctx, order.ID)
	if err != nil {
		return nil, multierr.Append(authErr, err)
	}
	return current, authErr
}

func (s *Service) giftCardAmount(ctx context.Context, redemption *GiftCardRedemption, total int) (int, error) {
	if redemption.AmountCents > total {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "gift card amount exceeds order total")
	}
	if redemption.AmountCents > 0 {
		return redemption.AmountCents, nil
	}
	card, err := s.giftCards.Balance(ctx, redemption.Code)
	if err != nil {
		return 0, err
	}
	if card.BalanceCents < total {
		return card.BalanceCents, nil
	}
	return total, nil
}

// GetOrder returns the order with its items, status history, payment attempts and returns.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderDetail, error) {
	order, err := s.reload(ctx, orderID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.ListHistory(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list order history")
	}
	attempts, err := s.payments.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	returns, err := s.repo.ListReturns(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list returns")
	}
	return &OrderDetail{Order: order, History: history, Payments: attempts, Returns: returns}, nil
}

func (s *Service) GetByReference(ctx context.Context, reference string) (*models.Order, error) {
	order, err := s.repo.FindOrderByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, filter ListFilter) ([]models.Order, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", filter.Status))
	}
	rows, total, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list orders")
	}
	return rows, total, nil
}

// ExpireStaleOrders cancels pending_payment orders created before cutoff. Each order is cancelled
// in its own transaction so one failure does not hold back the rest.
func (s *Service) ExpireStaleOrders(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.repo.FindPendingBefore(ctx, cutoff, s.cfg.ExpireBatchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list stale orders")
	}
	expired := 0
	var errs error
	for _, order := range stale {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if _, err := s.Cancel(ctx, order.ID, CancelInput{
			Kind:   enums.CancelReasonExpired,
			Reason: "payment not received in time",
			Actor:  ledger.SystemActor,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
			continue
		}
		expired++
	}
	return expired, errs
}

// transition moves a locked order to status to, guarded by its current status, and records it.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, order *models.Order, to enums.OrderStatus, actor, reason string, updates map[string]any) error {
	from := order.Status
	if !CanTransition(from, to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order status transition not allowed").
			WithDetails(map[string]any{"from": from, "to": to})
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	changed, err := s.repo.WithTx(tx).UpdateStatus(ctx, order.ID, from, updates)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order status")
	}
	if !changed {
		return pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "order changed concurrently").
			WithDetails(map[string]any{"expected_status": from})
	}
	order.Status = to
	return s.record(ctx, tx, order, from, to, actor, reason)
}

// record appends the history row and status event for one transition.
func (s *Service) record(ctx context.Context, tx *gorm.DB, order *models.Order, from, to enums.OrderStatus, actor, reason string) error {
	row := &models.OrderStatusHistory{
		OrderID:  order.ID,
		ToStatus: to,
		Actor:    actor,
	}
	if from != "" {
		row.FromStatus = &from
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		row.Reason = &reason
	}
	if err := s.repo.WithTx(tx).AppendHistory(ctx, row); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append order history")
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actorRef(actor),
		Data: payloads.OrderStatusChangedEvent{
			OrderID:    order.ID,
			FromStatus: from,
			ToStatus:   to,
			Actor:      actor,
			Reason:     reason,
			ChangedAt:  s.now(),
		},
	}); err != nil {
		return err
	}
	s.metrics.Transition(string(to))
	s.logInfo(ctx, "order status changed", map[string]any{"from": from, "to": to, "actor": actor})
	return nil
}

func (s *Service) notify(ctx context.Context, tx *gorm.DB, order *models.Order, typ enums.NotificationType, actor string, data map[string]any) error {
	return s.outbox.RequestNotification(ctx, tx, actorRef(actor), payloads.NotificationRequestedEvent{
		Type:        typ,
		OrderID:     order.ID,
		RecipientID: order.CustomerID,
		Data:        data,
	})
}

func (s *Service) syncPaymentStatus(ctx context.Context, repo Repository, order *models.Order, status enums.PaymentStatus) error {
	if order.PaymentStatus == status {
		return nil
	}
	if err := repo.UpdateOrder(ctx, order.ID, map[string]any{"payment_status": status}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order payment status")
	}
	order.PaymentStatus = status
	return nil
}

func (s *Service) lock(ctx context.Context, repo Repository, orderID uuid.UUID) (*models.Order, error) {
	order, err := repo.FindOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *Service) reload(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *Service) checkInput(in any) error {
	if err := s.validate.Struct(in); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Namespace()] = fe.Tag()
			}
			return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	return nil
}

func (s *Service) withOrder(ctx context.Context, orderID uuid.UUID) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithOrderID(ctx, orderID.String())
}

func (s *Service) logInfo(ctx context.Context, msg string, fields map[string]any) {
	if s.logg == nil {
		return
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), msg)
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logg == nil {
		return
	}
	s.logg.Error(ctx, msg, err)
}

func orderLines(order *models.Order) []inventory.Line {
	lines := make([]inventory.Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, inventory.Line{
			Key:      inventory.Key{WarehouseID: item.WarehouseID, ProductID: item.ProductID, VariantID: item.VariantID},
			Quantity: item.Quantity,
		})
	}
	return lines
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return ledger.SystemActor
	}
	return actor
}

func actorRef(actor string) *outbox.ActorRef {
	return &outbox.ActorRef{ID: actorOrSystem(actor)}
}
