package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Order is the customer facing aggregate driven by the lifecycle orchestrator.
type Order struct {
	ID                   uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	Reference            string                  `gorm:"column:reference;not null;uniqueIndex"`
	CustomerID           uuid.UUID               `gorm:"column:customer_id;type:uuid;not null;index"`
	Status               enums.OrderStatus       `gorm:"column:status;type:order_status_enum;not null;default:'pending_payment'"`
	PaymentStatus        enums.PaymentStatus     `gorm:"column:payment_status;type:payment_status_enum;not null;default:'pending'"`
	PaymentMethod        enums.PaymentMethod     `gorm:"column:payment_method;type:payment_method_enum;not null"`
	FulfillmentStatus    enums.FulfillmentStatus `gorm:"column:fulfillment_status;type:fulfillment_status_enum;not null;default:'unfulfilled'"`
	Currency             enums.Currency          `gorm:"column:currency;type:text;not null;default:'USD'"`
	SubtotalCents        int                     `gorm:"column:subtotal_cents;not null"`
	TaxCents             int                     `gorm:"column:tax_cents;not null;default:0"`
	ShippingCents        int                     `gorm:"column:shipping_cents;not null;default:0"`
	DiscountCents        int                     `gorm:"column:discount_cents;not null;default:0"`
	TotalCents           int                     `gorm:"column:total_cents;not null"`
	GiftCardCode         *string                 `gorm:"column:gift_card_code"`
	GiftCardAppliedCents int                     `gorm:"column:gift_card_applied_cents;not null;default:0"`
	ShippingAddressID    *uuid.UUID              `gorm:"column:shipping_address_id;type:uuid"`
	BillingAddressID     *uuid.UUID              `gorm:"column:billing_address_id;type:uuid"`
	CancelReasonKind     *enums.CancelReasonKind `gorm:"column:cancel_reason_kind;type:cancel_reason_kind_enum"`
	CancelReason         *string                 `gorm:"column:cancel_reason"`
	TrackingNumber       *string                 `gorm:"column:tracking_number"`
	Notes                *string                 `gorm:"column:notes"`
	PaymentVerifiedAt    *time.Time              `gorm:"column:payment_verified_at"`
	ProcessingAt         *time.Time              `gorm:"column:processing_at"`
	ShippedAt            *time.Time              `gorm:"column:shipped_at"`
	DeliveredAt          *time.Time              `gorm:"column:delivered_at"`
	CancelledAt          *time.Time              `gorm:"column:cancelled_at"`
	ReturnedAt           *time.Time              `gorm:"column:returned_at"`
	Items                []OrderItem             `gorm:"foreignKey:OrderID"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

// AmountDueCents is what the payment attempt must collect after gift card redemption.
func (o Order) AmountDueCents() int {
	due := o.TotalCents - o.GiftCardAppliedCents
	if due < 0 {
		return 0
	}
	return due
}
