package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Settlement is one payout batch reported by a payment provider.
type Settlement struct {
	ID              uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	Provider        string                 `gorm:"column:provider;not null;uniqueIndex:ux_settlements_provider_batch"`
	ExternalBatchID string                 `gorm:"column:external_batch_id;not null;uniqueIndex:ux_settlements_provider_batch"`
	PeriodStart     time.Time              `gorm:"column:period_start;not null"`
	PeriodEnd       time.Time              `gorm:"column:period_end;not null"`
	Currency        enums.Currency         `gorm:"column:currency;type:text;not null;default:'USD'"`
	GrossCents      int                    `gorm:"column:gross_cents;not null"`
	FeeCents        int                    `gorm:"column:fee_cents;not null"`
	NetCents        int                    `gorm:"column:net_cents;not null"`
	Status          enums.SettlementStatus `gorm:"column:status;type:settlement_status_enum;not null;default:'ingested'"`
	ReconciledAt    *time.Time             `gorm:"column:reconciled_at"`
	Lines           []SettlementLine       `gorm:"foreignKey:SettlementID"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Settlement) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// SettlementLine is a single provider transaction inside a settlement batch.
type SettlementLine struct {
	ID               uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	SettlementID     uuid.UUID                   `gorm:"column:settlement_id;type:uuid;not null;index"`
	ProviderTxID     string                      `gorm:"column:provider_tx_id;not null;index"`
	AmountCents      int                         `gorm:"column:amount_cents;not null"`
	FeeCents         int                         `gorm:"column:fee_cents;not null"`
	NetCents         int                         `gorm:"column:net_cents;not null"`
	MatchedPaymentID *uuid.UUID                  `gorm:"column:matched_payment_id;type:uuid"`
	MatchStatus      enums.SettlementMatchStatus `gorm:"column:match_status;type:settlement_match_status_enum;not null;default:'unmatched'"`
	MatchedAt        *time.Time                  `gorm:"column:matched_at"`
	CreatedAt        time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

func (l *SettlementLine) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}

// SettlementDiscrepancy flags a matched line whose figures disagree with the payment.
type SettlementDiscrepancy struct {
	ID               uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	SettlementLineID uuid.UUID             `gorm:"column:settlement_line_id;type:uuid;not null;index"`
	PaymentID        uuid.UUID             `gorm:"column:payment_id;type:uuid;not null"`
	Kind             enums.DiscrepancyKind `gorm:"column:kind;type:discrepancy_kind_enum;not null"`
	ExpectedCents    int                   `gorm:"column:expected_cents;not null"`
	ActualCents      int                   `gorm:"column:actual_cents;not null"`
	Resolved         bool                  `gorm:"column:resolved;not null;default:false"`
	ResolutionNote   *string               `gorm:"column:resolution_note"`
	ResolvedAt       *time.Time            `gorm:"column:resolved_at"`
	CreatedAt        time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (d *SettlementDiscrepancy) BeforeCreate(*gorm.DB) error {
	ensureID(&d.ID)
	return nil
}
