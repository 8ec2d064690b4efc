package enums

import "fmt"

// GiftCardTransactionType labels each balance movement on a gift card.
type GiftCardTransactionType string

const (
	GiftCardTransactionIssue      GiftCardTransactionType = "issue"
	GiftCardTransactionRedeem     GiftCardTransactionType = "redeem"
	GiftCardTransactionCredit     GiftCardTransactionType = "credit"
	GiftCardTransactionReversal   GiftCardTransactionType = "reversal"
	GiftCardTransactionAdjustment GiftCardTransactionType = "adjustment"
)

var validGiftCardTransactionTypes = []GiftCardTransactionType{
	GiftCardTransactionIssue,
	GiftCardTransactionRedeem,
	GiftCardTransactionCredit,
	GiftCardTransactionReversal,
	GiftCardTransactionAdjustment,
}

// IsValid reports whether the value is a known GiftCardTransactionType.
func (t GiftCardTransactionType) IsValid() bool {
	for _, candidate := range validGiftCardTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseGiftCardTransactionType converts raw input into a GiftCardTransactionType.
func ParseGiftCardTransactionType(value string) (GiftCardTransactionType, error) {
	for _, candidate := range validGiftCardTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid gift card transaction type %q", value)
}
