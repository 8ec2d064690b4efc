package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Repository persists ledger events. There is no update or delete path.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Append(ctx context.Context, event *models.LedgerEvent) (bool, error)
	FindByKey(ctx context.Context, key string) (*models.LedgerEvent, error)
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEvent, error)
	ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]models.LedgerEvent, error)
	ListByAggregate(ctx context.Context, aggregateType enums.OutboxAggregateType, aggregateID uuid.UUID) ([]models.LedgerEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Append inserts the event unless its idempotency key is already recorded.
// The bool is false when an earlier write with the same key won.
func (r *repository) Append(ctx context.Context, event *models.LedgerEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByKey(ctx context.Context, key string) (*models.LedgerEvent, error) {
	var event models.LedgerEvent
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEvent, error) {
	return r.list(ctx, r.db.Where("order_id = ?", orderID))
}

func (r *repository) ListByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]models.LedgerEvent, error) {
	return r.list(ctx, r.db.Where("payment_id = ?", paymentID))
}

func (r *repository) ListByAggregate(ctx context.Context, aggregateType enums.OutboxAggregateType, aggregateID uuid.UUID) ([]models.LedgerEvent, error) {
	return r.list(ctx, r.db.Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID))
}

func (r *repository) list(ctx context.Context, scope *gorm.DB) ([]models.LedgerEvent, error) {
	var events []models.LedgerEvent
	if err := scope.WithContext(ctx).
		Order("created_at ASC").
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
