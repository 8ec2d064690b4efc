package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// GiftCardTransaction captures one balance movement with the balance on both sides of it.
type GiftCardTransaction struct {
	ID                    uuid.UUID                     `gorm:"column:id;type:uuid;primaryKey"`
	GiftCardID            uuid.UUID                     `gorm:"column:gift_card_id;type:uuid;not null;index"`
	Type                  enums.GiftCardTransactionType `gorm:"column:type;type:gift_card_transaction_type_enum;not null"`
	AmountCents           int                           `gorm:"column:amount_cents;not null"`
	BalanceBeforeCents    int                           `gorm:"column:balance_before_cents;not null"`
	BalanceAfterCents     int                           `gorm:"column:balance_after_cents;not null"`
	OrderID               *uuid.UUID                    `gorm:"column:order_id;type:uuid;index"`
	PaymentID             *uuid.UUID                    `gorm:"column:payment_id;type:uuid"`
	RefundID              *uuid.UUID                    `gorm:"column:refund_id;type:uuid"`
	ReversedTransactionID *uuid.UUID                    `gorm:"column:reversed_transaction_id;type:uuid"`
	Note                  *string                       `gorm:"column:note"`
	CreatedAt             time.Time                     `gorm:"column:created_at;autoCreateTime"`
}

func (t *GiftCardTransaction) BeforeCreate(*gorm.DB) error {
	ensureID(&t.ID)
	return nil
}
