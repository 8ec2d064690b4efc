package enums

import "fmt"

// RefundStatus tracks a refund from draft through processing.
type RefundStatus string

const (
	RefundStatusDraft     RefundStatus = "draft"
	RefundStatusRequested RefundStatus = "requested"
	RefundStatusApproved  RefundStatus = "approved"
	RefundStatusProcessed RefundStatus = "processed"
	RefundStatusRejected  RefundStatus = "rejected"
	RefundStatusFailed    RefundStatus = "failed"
)

var validRefundStatuses = []RefundStatus{
	RefundStatusDraft,
	RefundStatusRequested,
	RefundStatusApproved,
	RefundStatusProcessed,
	RefundStatusRejected,
	RefundStatusFailed,
}

// String implements fmt.Stringer.
func (r RefundStatus) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RefundStatus.
func (r RefundStatus) IsValid() bool {
	for _, candidate := range validRefundStatuses {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRefundStatus converts raw input into a RefundStatus.
func ParseRefundStatus(value string) (RefundStatus, error) {
	for _, candidate := range validRefundStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund status %q", value)
}

// CountsAgainstNet reports whether the refund amount is reserved against the payment net.
func (r RefundStatus) CountsAgainstNet() bool {
	return r == RefundStatusApproved || r == RefundStatusProcessed
}
