package enums

import "fmt"

// LedgerEventType maps to the ledger_event_type_enum enum in Postgres.
type LedgerEventType string

const (
	LedgerEventTypeOrderCreated          LedgerEventType = "order_created"
	LedgerEventTypeOrderCancelled        LedgerEventType = "order_cancelled"
	LedgerEventTypeOrderReturned         LedgerEventType = "order_returned"
	LedgerEventTypePaymentAuthorized     LedgerEventType = "payment_authorized"
	LedgerEventTypePaymentFailed         LedgerEventType = "payment_failed"
	LedgerEventTypePaymentCaptured       LedgerEventType = "payment_captured"
	LedgerEventTypePaymentVoided         LedgerEventType = "payment_voided"
	LedgerEventTypeRefundProcessed       LedgerEventType = "refund_processed"
	LedgerEventTypeChargebackOpened      LedgerEventType = "chargeback_opened"
	LedgerEventTypeChargebackResolved    LedgerEventType = "chargeback_resolved"
	LedgerEventTypeGiftCardIssued        LedgerEventType = "gift_card_issued"
	LedgerEventTypeGiftCardRedeemed      LedgerEventType = "gift_card_redeemed"
	LedgerEventTypeGiftCardCredited      LedgerEventType = "gift_card_credited"
	LedgerEventTypeGiftCardReversed      LedgerEventType = "gift_card_reversed"
	LedgerEventTypeGiftCardRevoked       LedgerEventType = "gift_card_revoked"
	LedgerEventTypeSettlementIngested    LedgerEventType = "settlement_ingested"
	LedgerEventTypeSettlementMatched     LedgerEventType = "settlement_matched"
	LedgerEventTypeSettlementDiscrepancy LedgerEventType = "settlement_discrepancy"
)

var validLedgerEventTypes = []LedgerEventType{
	LedgerEventTypeOrderCreated,
	LedgerEventTypeOrderCancelled,
	LedgerEventTypeOrderReturned,
	LedgerEventTypePaymentAuthorized,
	LedgerEventTypePaymentFailed,
	LedgerEventTypePaymentCaptured,
	LedgerEventTypePaymentVoided,
	LedgerEventTypeRefundProcessed,
	LedgerEventTypeChargebackOpened,
	LedgerEventTypeChargebackResolved,
	LedgerEventTypeGiftCardIssued,
	LedgerEventTypeGiftCardRedeemed,
	LedgerEventTypeGiftCardCredited,
	LedgerEventTypeGiftCardReversed,
	LedgerEventTypeGiftCardRevoked,
	LedgerEventTypeSettlementIngested,
	LedgerEventTypeSettlementMatched,
	LedgerEventTypeSettlementDiscrepancy,
}

// IsValid reports whether the value is a known LedgerEventType.
func (t LedgerEventType) IsValid() bool {
	for _, candidate := range validLedgerEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseLedgerEventType converts raw input into a LedgerEventType.
func ParseLedgerEventType(value string) (LedgerEventType, error) {
	for _, candidate := range validLedgerEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger event type %q", value)
}
