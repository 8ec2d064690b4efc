package orders

import (
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// transitions lists every legal order status move. The zero status is the source of the creation row.
var transitions = map[enums.OrderStatus][]enums.OrderStatus{
	"": {enums.OrderStatusPendingPayment},
	enums.OrderStatusPendingPayment: {
		enums.OrderStatusPaymentVerified,
		enums.OrderStatusProcessing,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusPaymentVerified: {
		enums.OrderStatusProcessing,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusProcessing: {
		enums.OrderStatusShipped,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusShipped: {
		enums.OrderStatusDelivered,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusDelivered: {
		enums.OrderStatusReturned,
		enums.OrderStatusCancelled,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to enums.OrderStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from the given one.
func NextStatuses(from enums.OrderStatus) []enums.OrderStatus {
	next := transitions[from]
	out := make([]enums.OrderStatus, len(next))
	copy(out, next)
	return out
}

// reservationCommitted reports whether stock for an order in this status has already left the
// reserved counter.
func reservationCommitted(status enums.OrderStatus) bool {
	switch status {
	case enums.OrderStatusProcessing, enums.OrderStatusShipped, enums.OrderStatusDelivered:
		return true
	default:
		return false
	}
}
