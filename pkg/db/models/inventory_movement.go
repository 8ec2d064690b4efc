package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// InventoryMovement is the append-only audit row written for every counter change.
type InventoryMovement struct {
	ID            uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	WarehouseID   uuid.UUID                   `gorm:"column:warehouse_id;type:uuid;not null;index:idx_inventory_movements_key"`
	ProductID     uuid.UUID                   `gorm:"column:product_id;type:uuid;not null;index:idx_inventory_movements_key"`
	VariantID     uuid.UUID                   `gorm:"column:variant_id;type:uuid;not null;index:idx_inventory_movements_key"`
	Type          enums.InventoryMovementType `gorm:"column:type;type:inventory_movement_type_enum;not null"`
	QuantityDelta int                         `gorm:"column:quantity_delta;not null;default:0"`
	ReservedDelta int                         `gorm:"column:reserved_delta;not null;default:0"`
	ReferenceType *string                     `gorm:"column:reference_type"`
	ReferenceID   *uuid.UUID                  `gorm:"column:reference_id;type:uuid"`
	Reason        *string                     `gorm:"column:reason"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

func (m *InventoryMovement) BeforeCreate(*gorm.DB) error {
	ensureID(&m.ID)
	return nil
}
