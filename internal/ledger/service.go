package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

// SystemActor is recorded when no human or token identity drove the change.
const SystemActor = "system"

// Service records money-moving events. Callers pass their transaction through WithTx so the
// ledger row commits or rolls back with the state change it describes.
type Service interface {
	WithTx(tx *gorm.DB) Service
	Record(ctx context.Context, entry Entry) (*models.LedgerEvent, error)
	Recorded(ctx context.Context, key string) (bool, error)
	ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEvent, error)
	ListForPayment(ctx context.Context, paymentID uuid.UUID) ([]models.LedgerEvent, error)
	ListForAggregate(ctx context.Context, aggregateType enums.OutboxAggregateType, aggregateID uuid.UUID) ([]models.LedgerEvent, error)
}

// Entry is the immutable content of one ledger row.
type Entry struct {
	Type           enums.LedgerEventType
	AggregateType  enums.OutboxAggregateType
	AggregateID    uuid.UUID
	OrderID        *uuid.UUID
	PaymentID      *uuid.UUID
	GiftCardID     *uuid.UUID
	RefundID       *uuid.UUID
	SettlementID   *uuid.UUID
	Actor          string
	AmountCents    int
	Currency       enums.Currency
	IdempotencyKey string
	Metadata       map[string]any
}

type service struct {
	repo Repository
	logg *logger.Logger
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo, logg: logg}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo.WithTx(tx), logg: s.logg}
}

// Record appends the entry. A repeated idempotency key returns the stored row and writes nothing.
func (s *service) Record(ctx context.Context, entry Entry) (*models.LedgerEvent, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}

	event := &models.LedgerEvent{
		Type:           entry.Type,
		AggregateType:  entry.AggregateType,
		AggregateID:    entry.AggregateID,
		OrderID:        entry.OrderID,
		PaymentID:      entry.PaymentID,
		GiftCardID:     entry.GiftCardID,
		RefundID:       entry.RefundID,
		SettlementID:   entry.SettlementID,
		Actor:          entry.Actor,
		AmountCents:    entry.AmountCents,
		Currency:       entry.Currency,
		IdempotencyKey: entry.IdempotencyKey,
	}
	if event.Actor == "" {
		event.Actor = SystemActor
	}
	if event.Currency == "" {
		event.Currency = enums.CurrencyUSD
	}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode ledger metadata")
		}
		event.Metadata = raw
	}

	inserted, err := s.repo.Append(ctx, event)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append ledger event")
	}
	if inserted {
		return event, nil
	}

	existing, err := s.repo.FindByKey(ctx, entry.IdempotencyKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger event")
	}
	if existing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger event vanished after conflict")
	}
	if existing.Type != entry.Type {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "ledger idempotency key reused for a different event").
			WithDetails(map[string]any{"key": entry.IdempotencyKey, "type": existing.Type})
	}
	if s.logg != nil {
		s.logg.Debug(s.logg.WithField(ctx, "idempotency_key", entry.IdempotencyKey), "ledger event already recorded")
	}
	return existing, nil
}

func (s *service) Recorded(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	event, err := s.repo.FindByKey(ctx, key)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger event")
	}
	return event != nil, nil
}

func (s *service) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEvent, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	return s.repo.ListByOrderID(ctx, orderID)
}

func (s *service) ListForPayment(ctx context.Context, paymentID uuid.UUID) ([]models.LedgerEvent, error) {
	if paymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	return s.repo.ListByPaymentID(ctx, paymentID)
}

func (s *service) ListForAggregate(ctx context.Context, aggregateType enums.OutboxAggregateType, aggregateID uuid.UUID) ([]models.LedgerEvent, error) {
	if !aggregateType.IsValid() || aggregateID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "aggregate type and id are required")
	}
	return s.repo.ListByAggregate(ctx, aggregateType, aggregateID)
}

func (e Entry) validate() error {
	switch {
	case !e.Type.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger event type %q", e.Type))
	case !e.AggregateType.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid aggregate type %q", e.AggregateType))
	case e.AggregateID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "aggregate id is required")
	case strings.TrimSpace(e.IdempotencyKey) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	case e.Currency != "" && !e.Currency.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", e.Currency))
	}
	return nil
}
