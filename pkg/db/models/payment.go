package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// CaptureEvidence is what an admin supplies when confirming a manual payment.
type CaptureEvidence struct {
	Reference  string    `json:"reference"`
	Note       string    `json:"note,omitempty"`
	ReceiptURL string    `json:"receipt_url,omitempty"`
	CapturedBy string    `json:"captured_by,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Payment is one attempt to collect the order total.
type Payment struct {
	ID               uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID          uuid.UUID           `gorm:"column:order_id;type:uuid;not null;index"`
	CustomerID       uuid.UUID           `gorm:"column:customer_id;type:uuid;not null"`
	Method           enums.PaymentMethod `gorm:"column:method;type:payment_method_enum;not null"`
	Provider         string              `gorm:"column:provider;not null"`
	ProviderRef      *string             `gorm:"column:provider_ref;index"`
	IdempotencyKey   string              `gorm:"column:idempotency_key;not null;uniqueIndex"`
	Status           enums.PaymentStatus `gorm:"column:status;type:payment_status_enum;not null;default:'pending'"`
	Currency         enums.Currency      `gorm:"column:currency;type:text;not null;default:'USD'"`
	AmountGrossCents int                 `gorm:"column:amount_gross_cents;not null"`
	FeeCents         int                 `gorm:"column:fee_cents;not null;default:0"`
	AmountNetCents   int                 `gorm:"column:amount_net_cents;not null"`
	RefundedCents    int                 `gorm:"column:refunded_cents;not null;default:0"`
	FailureCode      *string             `gorm:"column:failure_code"`
	FailureMessage   *string             `gorm:"column:failure_message"`
	RiskScore        *int                `gorm:"column:risk_score"`
	CaptureEvidence  *CaptureEvidence    `gorm:"column:capture_evidence;type:jsonb;serializer:json"`
	AuthorizedAt     *time.Time          `gorm:"column:authorized_at"`
	CapturedAt       *time.Time          `gorm:"column:captured_at"`
	FailedAt         *time.Time          `gorm:"column:failed_at"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// RefundableCents is the net amount not yet returned to the customer.
func (p Payment) RefundableCents() int {
	left := p.AmountNetCents - p.RefundedCents
	if left < 0 {
		return 0
	}
	return left
}
