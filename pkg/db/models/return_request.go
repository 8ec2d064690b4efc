package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReturnLine references a delivered order item and how many units come back.
type ReturnLine struct {
	OrderItemID uuid.UUID `json:"order_item_id"`
	Quantity    int       `json:"quantity"`
}

// ReturnRequest records a customer return against a delivered order.
type ReturnRequest struct {
	ID          uuid.UUID    `gorm:"column:id;type:uuid;primaryKey"`
	OrderID     uuid.UUID    `gorm:"column:order_id;type:uuid;not null;index"`
	Lines       []ReturnLine `gorm:"column:lines;type:jsonb;serializer:json;not null"`
	Reason      string       `gorm:"column:reason;not null"`
	AmountCents int          `gorm:"column:amount_cents;not null"`
	RefundID    *uuid.UUID   `gorm:"column:refund_id;type:uuid"`
	RequestedBy string       `gorm:"column:requested_by;not null"`
	CreatedAt   time.Time    `gorm:"column:created_at;autoCreateTime"`
}

func (r *ReturnRequest) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}
