package enums

import "fmt"

// SettlementMatchStatus tracks how a settlement line reconciled against payments.
type SettlementMatchStatus string

const (
	SettlementMatchUnmatched   SettlementMatchStatus = "unmatched"
	SettlementMatchMatched     SettlementMatchStatus = "matched"
	SettlementMatchDiscrepancy SettlementMatchStatus = "discrepancy"
)

var validSettlementMatchStatuses = []SettlementMatchStatus{
	SettlementMatchUnmatched,
	SettlementMatchMatched,
	SettlementMatchDiscrepancy,
}

// IsValid reports whether the value is a known SettlementMatchStatus.
func (s SettlementMatchStatus) IsValid() bool {
	for _, candidate := range validSettlementMatchStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSettlementMatchStatus converts raw input into a SettlementMatchStatus.
func ParseSettlementMatchStatus(value string) (SettlementMatchStatus, error) {
	for _, candidate := range validSettlementMatchStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid settlement match status %q", value)
}
