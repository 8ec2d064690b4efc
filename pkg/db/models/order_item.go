package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderItem snapshots a priced cart line. Rows are frozen once the order leaves pending_payment.
type OrderItem struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID  `gorm:"column:order_id;type:uuid;not null;index"`
	WarehouseID    uuid.UUID  `gorm:"column:warehouse_id;type:uuid;not null"`
	ProductID      uuid.UUID  `gorm:"column:product_id;type:uuid;not null"`
	VariantID      uuid.UUID  `gorm:"column:variant_id;type:uuid;not null"`
	ProductName    string     `gorm:"column:product_name;not null"`
	Quantity       int        `gorm:"column:quantity;not null"`
	UnitPriceCents int        `gorm:"column:unit_price_cents;not null"`
	SubtotalCents  int        `gorm:"column:subtotal_cents;not null"`
	TaxCents       int        `gorm:"column:tax_cents;not null;default:0"`
	TotalCents     int        `gorm:"column:total_cents;not null"`
	ReturnedQty    int        `gorm:"column:returned_qty;not null;default:0"`
	PrescriptionID *uuid.UUID `gorm:"column:prescription_id;type:uuid"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}
