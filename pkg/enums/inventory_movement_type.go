package enums

import "fmt"

// InventoryMovementType labels entries of the append-only inventory movement log.
type InventoryMovementType string

const (
	InventoryMovementReserve InventoryMovementType = "reserve"
	InventoryMovementRelease InventoryMovementType = "release"
	InventoryMovementCommit  InventoryMovementType = "commit"
	InventoryMovementRestock InventoryMovementType = "restock"
)

var validInventoryMovementTypes = []InventoryMovementType{
	InventoryMovementReserve,
	InventoryMovementRelease,
	InventoryMovementCommit,
	InventoryMovementRestock,
}

// String implements fmt.Stringer.
func (m InventoryMovementType) String() string {
	return string(m)
}

// IsValid reports whether the value is a known InventoryMovementType.
func (m InventoryMovementType) IsValid() bool {
	for _, candidate := range validInventoryMovementTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseInventoryMovementType converts raw input into a InventoryMovementType.
func ParseInventoryMovementType(value string) (InventoryMovementType, error) {
	for _, candidate := range validInventoryMovementTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inventory movement type %q", value)
}
