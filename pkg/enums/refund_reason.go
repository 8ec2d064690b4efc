package enums

import "fmt"

// RefundReason classifies why money is returned to a customer.
type RefundReason string

const (
	RefundReasonCustomerReturn RefundReason = "customer_return"
	RefundReasonDuplicate      RefundReason = "duplicate"
	RefundReasonFraudulent     RefundReason = "fraudulent"
	RefundReasonOrderCancelled RefundReason = "order_cancelled"
	RefundReasonGoodwill       RefundReason = "goodwill"
	RefundReasonOther          RefundReason = "other"
)

var validRefundReasons = []RefundReason{
	RefundReasonCustomerReturn,
	RefundReasonDuplicate,
	RefundReasonFraudulent,
	RefundReasonOrderCancelled,
	RefundReasonGoodwill,
	RefundReasonOther,
}

// IsValid reports whether the value is a known RefundReason.
func (r RefundReason) IsValid() bool {
	for _, candidate := range validRefundReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRefundReason converts raw input into a RefundReason.
func ParseRefundReason(value string) (RefundReason, error) {
	for _, candidate := range validRefundReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund reason %q", value)
}
