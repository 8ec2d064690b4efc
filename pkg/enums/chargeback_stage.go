package enums

import "fmt"

// ChargebackStage mirrors the card network dispute stage.
type ChargebackStage string

const (
	ChargebackStageInquiry        ChargebackStage = "inquiry"
	ChargebackStageChargeback     ChargebackStage = "chargeback"
	ChargebackStagePreArbitration ChargebackStage = "pre_arbitration"
	ChargebackStageArbitration    ChargebackStage = "arbitration"
)

var validChargebackStages = []ChargebackStage{
	ChargebackStageInquiry,
	ChargebackStageChargeback,
	ChargebackStagePreArbitration,
	ChargebackStageArbitration,
}

// IsValid reports whether the value is a known ChargebackStage.
func (s ChargebackStage) IsValid() bool {
	for _, candidate := range validChargebackStages {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseChargebackStage converts raw input into a ChargebackStage.
func ParseChargebackStage(value string) (ChargebackStage, error) {
	for _, candidate := range validChargebackStages {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid chargeback stage %q", value)
}
