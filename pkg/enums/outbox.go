package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateOrder      OutboxAggregateType = "order"
	AggregatePayment    OutboxAggregateType = "payment"
	AggregateRefund     OutboxAggregateType = "refund"
	AggregateChargeback OutboxAggregateType = "chargeback"
	AggregateGiftCard   OutboxAggregateType = "gift_card"
	AggregateSettlement OutboxAggregateType = "settlement"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregatePayment,
	AggregateRefund,
	AggregateChargeback,
	AggregateGiftCard,
	AggregateSettlement,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventOrderCreated          OutboxEventType = "order_created"
	EventOrderStatusChanged    OutboxEventType = "order_status_changed"
	EventOrderCancelled        OutboxEventType = "order_cancelled"
	EventPaymentCaptured       OutboxEventType = "payment_captured"
	EventPaymentFailed         OutboxEventType = "payment_failed"
	EventRefundProcessed       OutboxEventType = "refund_processed"
	EventChargebackOpened      OutboxEventType = "chargeback_opened"
	EventGiftCardIssued        OutboxEventType = "gift_card_issued"
	EventSettlementDiscrepancy OutboxEventType = "settlement_discrepancy"
	EventNotificationRequested OutboxEventType = "notification_requested"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderStatusChanged,
	EventOrderCancelled,
	EventPaymentCaptured,
	EventPaymentFailed,
	EventRefundProcessed,
	EventChargebackOpened,
	EventGiftCardIssued,
	EventSettlementDiscrepancy,
	EventNotificationRequested,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
