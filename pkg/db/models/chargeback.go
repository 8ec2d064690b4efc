package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Chargeback is a dispute opened by the card network against a captured payment.
type Chargeback struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID   uuid.UUID               `gorm:"column:payment_id;type:uuid;not null;uniqueIndex:ux_chargebacks_payment_case"`
	CaseID      string                  `gorm:"column:case_id;not null;uniqueIndex:ux_chargebacks_payment_case"`
	AmountCents int                     `gorm:"column:amount_cents;not null"`
	Reason      *string                 `gorm:"column:reason"`
	Stage       enums.ChargebackStage   `gorm:"column:stage;type:chargeback_stage_enum;not null"`
	Outcome     enums.ChargebackOutcome `gorm:"column:outcome;type:chargeback_outcome_enum;not null;default:'open'"`
	Deadline    *time.Time              `gorm:"column:deadline"`
	ResolvedAt  *time.Time              `gorm:"column:resolved_at"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Chargeback) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
