package enums

import "fmt"

// GiftCardState maps to the gift_card_state_enum type in Postgres.
type GiftCardState string

const (
	GiftCardStateActive  GiftCardState = "active"
	GiftCardStateExpired GiftCardState = "expired"
	GiftCardStateRevoked GiftCardState = "revoked"
)

var validGiftCardStates = []GiftCardState{
	GiftCardStateActive,
	GiftCardStateExpired,
	GiftCardStateRevoked,
}

// String implements fmt.Stringer.
func (s GiftCardState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known GiftCardState.
func (s GiftCardState) IsValid() bool {
	for _, candidate := range validGiftCardStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseGiftCardState converts raw input into a GiftCardState.
func ParseGiftCardState(value string) (GiftCardState, error) {
	for _, candidate := range validGiftCardStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid gift card state %q", value)
}
