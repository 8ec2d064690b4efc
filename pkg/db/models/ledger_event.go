package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// LedgerEvent records an immutable money lifecycle event. IdempotencyKey dedupes retries.
type LedgerEvent struct {
	ID             uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	Type           enums.LedgerEventType     `gorm:"column:type;type:ledger_event_type_enum;not null"`
	AggregateType  enums.OutboxAggregateType `gorm:"column:aggregate_type;type:aggregate_type_enum;not null"`
	AggregateID    uuid.UUID                 `gorm:"column:aggregate_id;type:uuid;not null;index"`
	OrderID        *uuid.UUID                `gorm:"column:order_id;type:uuid;index"`
	PaymentID      *uuid.UUID                `gorm:"column:payment_id;type:uuid;index"`
	GiftCardID     *uuid.UUID                `gorm:"column:gift_card_id;type:uuid"`
	RefundID       *uuid.UUID                `gorm:"column:refund_id;type:uuid"`
	SettlementID   *uuid.UUID                `gorm:"column:settlement_id;type:uuid"`
	Actor          string                    `gorm:"column:actor;not null"`
	AmountCents    int                       `gorm:"column:amount_cents;not null"`
	Currency       enums.Currency            `gorm:"column:currency;type:text;not null;default:'USD'"`
	IdempotencyKey string                    `gorm:"column:idempotency_key;not null;uniqueIndex"`
	Metadata       json.RawMessage           `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

func (e *LedgerEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
