package enums

import "fmt"

// DiscrepancyKind names the difference found while matching a settlement line.
type DiscrepancyKind string

const (
	DiscrepancyAmountMismatch     DiscrepancyKind = "amount_mismatch"
	DiscrepancyFeeMismatch        DiscrepancyKind = "fee_mismatch"
	DiscrepancyPaymentNotCaptured DiscrepancyKind = "payment_not_captured"
)

var validDiscrepancyKinds = []DiscrepancyKind{
	DiscrepancyAmountMismatch,
	DiscrepancyFeeMismatch,
	DiscrepancyPaymentNotCaptured,
}

// IsValid reports whether the value is a known DiscrepancyKind.
func (k DiscrepancyKind) IsValid() bool {
	for _, candidate := range validDiscrepancyKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseDiscrepancyKind converts raw input into a DiscrepancyKind.
func ParseDiscrepancyKind(value string) (DiscrepancyKind, error) {
	for _, candidate := range validDiscrepancyKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid discrepancy kind %q", value)
}
