package inventory

import (
	"fmt"

	"github.com/google/uuid"
)

// Reference types recorded on movements.
const (
	RefOrder    = "order"
	RefReturn   = "return"
	RefPurchase = "purchase"
	RefManual   = "manual"
)

// Key identifies one stock counter.
type Key struct {
	WarehouseID uuid.UUID `json:"warehouse_id" validate:"required"`
	ProductID   uuid.UUID `json:"product_id" validate:"required"`
	VariantID   uuid.UUID `json:"variant_id" validate:"required"`
}

func (k Key) valid() bool {
	return k.WarehouseID != uuid.Nil && k.ProductID != uuid.Nil && k.VariantID != uuid.Nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.WarehouseID, k.ProductID, k.VariantID)
}

func (k Key) fields() map[string]any {
	return map[string]any{
		"warehouse_id": k.WarehouseID.String(),
		"product_id":   k.ProductID.String(),
		"variant_id":   k.VariantID.String(),
	}
}

// Reference ties a movement to the order, return or purchase that caused it.
type Reference struct {
	Type string
	ID   uuid.UUID
}

// OrderRef is shorthand for a movement caused by an order.
func OrderRef(orderID uuid.UUID) Reference {
	return Reference{Type: RefOrder, ID: orderID}
}

// Line is a quantity against one key.
type Line struct {
	Key
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

// Snapshot is a counter pair, either stored or replayed from movements.
type Snapshot struct {
	Quantity int `json:"quantity"`
	Reserved int `json:"reserved"`
}

// AuditResult compares the stored counters with a replay of the movement log.
type AuditResult struct {
	Key        Key      `json:"key"`
	Stored     Snapshot `json:"stored"`
	Replayed   Snapshot `json:"replayed"`
	Movements  int      `json:"movements"`
	Consistent bool     `json:"consistent"`
}
