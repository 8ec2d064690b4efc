package enums

import "fmt"

// CancelReasonKind distinguishes cancellation causes for reporting only.
type CancelReasonKind string

const (
	CancelReasonPaymentRejected CancelReasonKind = "payment_rejected"
	CancelReasonAdmin           CancelReasonKind = "cancelled_by_admin"
	CancelReasonCustomer        CancelReasonKind = "cancelled_by_customer"
	CancelReasonExpired         CancelReasonKind = "expired"
)

var validCancelReasonKinds = []CancelReasonKind{
	CancelReasonPaymentRejected,
	CancelReasonAdmin,
	CancelReasonCustomer,
	CancelReasonExpired,
}

// IsValid reports whether the value is a known CancelReasonKind.
func (k CancelReasonKind) IsValid() bool {
	for _, candidate := range validCancelReasonKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseCancelReasonKind converts raw input into a CancelReasonKind.
func ParseCancelReasonKind(value string) (CancelReasonKind, error) {
	for _, candidate := range validCancelReasonKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid cancel reason kind %q", value)
}
