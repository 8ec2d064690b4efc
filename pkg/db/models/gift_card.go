package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// GiftCard is a stored value instrument. Balance only changes alongside a GiftCardTransaction row.
type GiftCard struct {
	ID                 uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	Code               string              `gorm:"column:code;not null;uniqueIndex"`
	PinHash            *string             `gorm:"column:pin_hash"`
	BalanceCents       int                 `gorm:"column:balance_cents;not null"`
	InitialValueCents  int                 `gorm:"column:initial_value_cents;not null"`
	Currency           enums.Currency      `gorm:"column:currency;type:text;not null;default:'USD'"`
	State              enums.GiftCardState `gorm:"column:state;type:gift_card_state_enum;not null;default:'active'"`
	Campaign           *string             `gorm:"column:campaign"`
	IssuedToCustomerID *uuid.UUID          `gorm:"column:issued_to_customer_id;type:uuid"`
	ExpiresAt          *time.Time          `gorm:"column:expires_at"`
	RevokedAt          *time.Time          `gorm:"column:revoked_at"`
	CreatedAt          time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (g *GiftCard) BeforeCreate(*gorm.DB) error {
	ensureID(&g.ID)
	return nil
}

// IsExpiredAt reports whether the card expiry has passed at the given instant.
func (g GiftCard) IsExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}
