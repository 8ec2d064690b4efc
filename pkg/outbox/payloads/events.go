package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// OrderCreatedEvent is emitted once checkout has reserved stock and persisted the order.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	Reference     string              `json:"reference"`
	CustomerID    uuid.UUID           `json:"customer_id"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	TotalCents    int                 `json:"total_cents"`
	Currency      enums.Currency      `json:"currency"`
}

// OrderStatusChangedEvent mirrors one order_status_history row.
type OrderStatusChangedEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	FromStatus enums.OrderStatus `json:"from_status,omitempty"`
	ToStatus   enums.OrderStatus `json:"to_status"`
	Actor      string            `json:"actor"`
	Reason     string            `json:"reason,omitempty"`
	ChangedAt  time.Time         `json:"changed_at"`
}

// OrderCancelledEvent tells downstream systems the order will not be fulfilled.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID              `json:"order_id"`
	ReasonKind  enums.CancelReasonKind `json:"reason_kind"`
	Reason      string                 `json:"reason,omitempty"`
	CancelledAt time.Time              `json:"cancelled_at"`
}

// PaymentCapturedEvent is emitted when money has been collected.
type PaymentCapturedEvent struct {
	PaymentID   uuid.UUID           `json:"payment_id"`
	OrderID     uuid.UUID           `json:"order_id"`
	Method      enums.PaymentMethod `json:"method"`
	AmountCents int                 `json:"amount_cents"`
	CapturedAt  time.Time           `json:"captured_at"`
}

// PaymentFailedEvent is emitted when a provider declines or an admin rejects a payment.
type PaymentFailedEvent struct {
	PaymentID uuid.UUID `json:"payment_id"`
	OrderID   uuid.UUID `json:"order_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
}

// RefundProcessedEvent is emitted after money has been returned.
type RefundProcessedEvent struct {
	RefundID    uuid.UUID `json:"refund_id"`
	PaymentID   uuid.UUID `json:"payment_id"`
	OrderID     uuid.UUID `json:"order_id"`
	AmountCents int       `json:"amount_cents"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ChargebackOpenedEvent surfaces a new dispute.
type ChargebackOpenedEvent struct {
	ChargebackID uuid.UUID             `json:"chargeback_id"`
	PaymentID    uuid.UUID             `json:"payment_id"`
	OrderID      uuid.UUID             `json:"order_id"`
	CaseID       string                `json:"case_id"`
	Stage        enums.ChargebackStage `json:"stage"`
	AmountCents  int                   `json:"amount_cents"`
	Deadline     *time.Time            `json:"deadline,omitempty"`
}

// GiftCardIssuedEvent announces a new stored value card.
type GiftCardIssuedEvent struct {
	GiftCardID  uuid.UUID  `json:"gift_card_id"`
	AmountCents int        `json:"amount_cents"`
	Campaign    string     `json:"campaign,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// SettlementDiscrepancyEvent flags a settlement line that needs operator attention.
type SettlementDiscrepancyEvent struct {
	DiscrepancyID    uuid.UUID             `json:"discrepancy_id"`
	SettlementID     uuid.UUID             `json:"settlement_id"`
	SettlementLineID uuid.UUID             `json:"settlement_line_id"`
	PaymentID        uuid.UUID             `json:"payment_id"`
	Kind             enums.DiscrepancyKind `json:"kind"`
	ExpectedCents    int                   `json:"expected_cents"`
	ActualCents      int                   `json:"actual_cents"`
}

// NotificationRequestedEvent is an intent for the notification service to contact a customer.
type NotificationRequestedEvent struct {
	Type        enums.NotificationType `json:"type"`
	OrderID     uuid.UUID              `json:"order_id"`
	RecipientID uuid.UUID              `json:"recipient_id"`
	Data        map[string]any         `json:"data,omitempty"`
}
