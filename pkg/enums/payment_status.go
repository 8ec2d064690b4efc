package enums

import "fmt"

// PaymentStatus tracks a single payment attempt through the provider lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusDisputed          PaymentStatus = "disputed"
	PaymentStatusVoided            PaymentStatus = "voided"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusAuthorized,
	PaymentStatusCaptured,
	PaymentStatusPartiallyRefunded,
	PaymentStatusRefunded,
	PaymentStatusFailed,
	PaymentStatusDisputed,
	PaymentStatusVoided,
}

// String implements fmt.Stringer.
func (s PaymentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known PaymentStatus.
func (s PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// IsOpen reports whether the attempt still blocks a new attempt for the same order.
func (s PaymentStatus) IsOpen() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusAuthorized, PaymentStatusCaptured, PaymentStatusPartiallyRefunded, PaymentStatusDisputed:
		return true
	default:
		return false
	}
}

// IsRefundable reports whether money has moved and may be returned.
func (s PaymentStatus) IsRefundable() bool {
	return s == PaymentStatusCaptured || s == PaymentStatusPartiallyRefunded
}
