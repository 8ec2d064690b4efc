package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Refund moves through draft, requested, approved and processed under two identities.
type Refund struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID     uuid.UUID          `gorm:"column:payment_id;type:uuid;not null;index"`
	OrderID       uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	AmountCents   int                `gorm:"column:amount_cents;not null"`
	ReasonCode    enums.RefundReason `gorm:"column:reason_code;type:refund_reason_enum;not null"`
	Note          *string            `gorm:"column:note"`
	Status        enums.RefundStatus `gorm:"column:status;type:refund_status_enum;not null;default:'draft'"`
	RequestedBy   string             `gorm:"column:requested_by;not null"`
	ApprovedBy    *string            `gorm:"column:approved_by"`
	ProviderRef   *string            `gorm:"column:provider_ref"`
	FailureReason *string            `gorm:"column:failure_reason"`
	RequestedAt   *time.Time         `gorm:"column:requested_at"`
	ApprovedAt    *time.Time         `gorm:"column:approved_at"`
	ProcessedAt   *time.Time         `gorm:"column:processed_at"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *Refund) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}
