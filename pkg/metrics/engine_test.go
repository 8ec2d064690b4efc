package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestEngineMetricsCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)

	m.Inventory("reserve", OutcomeOK)
	m.Inventory("reserve", OutcomeOK)
	m.Inventory("reserve", OutcomeInsufficient)
	m.Capture("cash", OutcomeOK)
	m.Capture("cash", OutcomeAlready)
	m.Refund("processed")
	m.GiftCard("debit", OutcomeInsufficient)
	m.SettlementLine(OutcomeDiscrepancy)
	m.Transition("processing")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	cases := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"dispensary_inventory_operations_total", map[string]string{"operation": "reserve", "outcome": OutcomeOK}, 2},
		{"dispensary_inventory_operations_total", map[string]string{"operation": "reserve", "outcome": OutcomeInsufficient}, 1},
		{"dispensary_payment_captures_total", map[string]string{"method": "cash", "outcome": OutcomeAlready}, 1},
		{"dispensary_refunds_total", map[string]string{"status": "processed"}, 1},
		{"dispensary_gift_card_operations_total", map[string]string{"operation": "debit", "outcome": OutcomeInsufficient}, 1},
		{"dispensary_settlement_lines_total", map[string]string{"result": OutcomeDiscrepancy}, 1},
		{"dispensary_order_transitions_total", map[string]string{"to": "processing"}, 1},
	}
	for _, tc := range cases {
		got, err := fetchCounterValue(mfs, tc.name, tc.labels)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestEngineMetricsNilSafe(t *testing.T) {
	var m *EngineMetrics
	m.Inventory("reserve", OutcomeOK)
	m.Capture("card", OutcomeFailed)

	noop := NewEngineMetrics(nil)
	noop.SettlementLine(OutcomeMatched)
	noop.Transition("cancelled")
}
