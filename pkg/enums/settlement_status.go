package enums

import "fmt"

// SettlementStatus tracks a provider settlement batch.
type SettlementStatus string

const (
	SettlementStatusIngested   SettlementStatus = "ingested"
	SettlementStatusReconciled SettlementStatus = "reconciled"
)

var validSettlementStatuses = []SettlementStatus{
	SettlementStatusIngested,
	SettlementStatusReconciled,
}

// IsValid reports whether the value is a known SettlementStatus.
func (s SettlementStatus) IsValid() bool {
	for _, candidate := range validSettlementStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSettlementStatus converts raw input into a SettlementStatus.
func ParseSettlementStatus(value string) (SettlementStatus, error) {
	for _, candidate := range validSettlementStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid settlement status %q", value)
}
