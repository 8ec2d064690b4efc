package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// OrderStatusHistory is an append-only record of every order transition.
type OrderStatusHistory struct {
	ID         uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	FromStatus *enums.OrderStatus `gorm:"column:from_status;type:order_status_enum"`
	ToStatus   enums.OrderStatus  `gorm:"column:to_status;type:order_status_enum;not null"`
	Actor      string             `gorm:"column:actor;not null"`
	Reason     *string            `gorm:"column:reason"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (OrderStatusHistory) TableName() string { return "order_status_history" }

func (h *OrderStatusHistory) BeforeCreate(*gorm.DB) error {
	ensureID(&h.ID)
	return nil
}
