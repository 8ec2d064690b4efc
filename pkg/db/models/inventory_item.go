package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InventoryItem tracks on-hand and reserved counts per warehouse/product/variant.
type InventoryItem struct {
	ID               uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	WarehouseID      uuid.UUID `gorm:"column:warehouse_id;type:uuid;not null;uniqueIndex:ux_inventory_items_key"`
	ProductID        uuid.UUID `gorm:"column:product_id;type:uuid;not null;uniqueIndex:ux_inventory_items_key"`
	VariantID        uuid.UUID `gorm:"column:variant_id;type:uuid;not null;uniqueIndex:ux_inventory_items_key"`
	Quantity         int       `gorm:"column:quantity;not null;default:0"`
	ReservedQuantity int       `gorm:"column:reserved_quantity;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *InventoryItem) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

// Available is the quantity that can still be reserved.
func (i InventoryItem) Available() int {
	return i.Quantity - i.ReservedQuantity
}
