package enums

import "fmt"

// ChargebackOutcome records how a dispute was closed.
type ChargebackOutcome string

const (
	ChargebackOutcomeOpen      ChargebackOutcome = "open"
	ChargebackOutcomeWon       ChargebackOutcome = "won"
	ChargebackOutcomeLost      ChargebackOutcome = "lost"
	ChargebackOutcomeWithdrawn ChargebackOutcome = "withdrawn"
)

var validChargebackOutcomes = []ChargebackOutcome{
	ChargebackOutcomeOpen,
	ChargebackOutcomeWon,
	ChargebackOutcomeLost,
	ChargebackOutcomeWithdrawn,
}

// IsValid reports whether the value is a known ChargebackOutcome.
func (o ChargebackOutcome) IsValid() bool {
	for _, candidate := range validChargebackOutcomes {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseChargebackOutcome converts raw input into a ChargebackOutcome.
func ParseChargebackOutcome(value string) (ChargebackOutcome, error) {
	for _, candidate := range validChargebackOutcomes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid chargeback outcome %q", value)
}
