package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

const (
	maxDeadLetterMessage = 1024
	defaultDeadLetters   = 50
	maxDeadLetters       = 200
)

// DeadLetterFilter narrows the dead letter listing. Zero values match everything.
type DeadLetterFilter struct {
	OrderID       *uuid.UUID
	AggregateType enums.OutboxAggregateType
	Reason        enums.OutboxDLQErrorReason
	Limit         int
}

// DLQRepository stores outbox events the publisher gave up on.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// DeadLetter builds the row for an event that will not be retried.
func DeadLetter(event models.OutboxEvent, reason enums.OutboxDLQErrorReason, topic string, cause error, at time.Time) models.OutboxDLQ {
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		OrderID:       OrderRef(event),
		Payload:       event.Payload,
		ErrorReason:   reason,
		AttemptCount:  event.AttemptCount,
		FailedAt:      at,
	}
	if topic != "" {
		entry.Topic = &topic
	}
	if cause != nil {
		msg := cause.Error()
		if len(msg) > maxDeadLetterMessage {
			msg = msg[:maxDeadLetterMessage]
		}
		entry.ErrorMessage = &msg
	}
	return entry
}

// OrderRef returns the order an event belongs to. Order events carry it as the aggregate;
// payment, refund, chargeback and gift card events carry it in the payload when there is one.
func OrderRef(event models.OutboxEvent) *uuid.UUID {
	if event.AggregateType == enums.AggregateOrder && event.AggregateID != uuid.Nil {
		id := event.AggregateID
		return &id
	}
	var envelope PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil || len(envelope.Data) == 0 {
		return nil
	}
	var data struct {
		OrderID *uuid.UUID `json:"order_id"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil || data.OrderID == nil || *data.OrderID == uuid.Nil {
		return nil
	}
	return data.OrderID
}

// Record writes the dead letter inside the publisher's batch transaction. A second record for
// the same event is ignored so a replayed batch cannot fail on the unique event index.
func (r *DLQRepository) Record(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	var existing int64
	if err := tx.Model(&models.OutboxDLQ{}).Where("event_id = ?", entry.EventID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return tx.Create(&entry).Error
}

func (r *DLQRepository) List(ctx context.Context, filter DeadLetterFilter) ([]models.OutboxDLQ, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultDeadLetters
	case limit > maxDeadLetters:
		limit = maxDeadLetters
	}
	query := r.db.WithContext(ctx)
	if filter.OrderID != nil {
		query = query.Where("order_id = ?", *filter.OrderID)
	}
	if filter.AggregateType != "" {
		query = query.Where("aggregate_type = ?", filter.AggregateType)
	}
	if filter.Reason != "" {
		query = query.Where("error_reason = ?", filter.Reason)
	}
	var rows []models.OutboxDLQ
	err := query.Order("failed_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
