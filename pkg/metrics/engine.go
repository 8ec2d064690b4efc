package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the engine counters.
const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient"
	OutcomeAlready      = "already"
	OutcomeConflict     = "conflict"
	OutcomeFailed       = "failed"
	OutcomeMatched      = "matched"
	OutcomeDiscrepancy  = "discrepancy"
	OutcomeUnmatched    = "unmatched"
)

// EngineMetrics counts the state changes made by the order and payment lifecycle.
type EngineMetrics struct {
	inventory   *prometheus.CounterVec
	captures    *prometheus.CounterVec
	refunds     *prometheus.CounterVec
	giftCards   *prometheus.CounterVec
	settlements *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewEngineMetrics registers the engine counters. A nil registerer yields a no-op recorder.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		return &EngineMetrics{}
	}
	m := &EngineMetrics{
		inventory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_operations_total",
			Help:      "Inventory counter operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_captures_total",
			Help:      "Payment capture attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund status changes.",
		}, []string{"status"}),
		giftCards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gift_card_operations_total",
			Help:      "Gift card balance operations by type and outcome.",
		}, []string{"operation", "outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_lines_total",
			Help:      "Settlement lines processed by the matcher, by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status.",
		}, []string{"to"}),
	}
	reg.MustRegister(m.inventory, m.captures, m.refunds, m.giftCards, m.settlements, m.transitions)
	return m
}

func (m *EngineMetrics) Inventory(operation, outcome string) {
	if m == nil || m.inventory == nil {
		return
	}
	m.inventory.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *EngineMetrics) Capture(method, outcome string) {
	if m == nil || m.captures == nil {
		return
	}
	m.captures.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}

func (m *EngineMetrics) Refund(status string) {
	if m == nil || m.refunds == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *EngineMetrics) GiftCard(operation, outcome string) {
	if m == nil || m.giftCards == nil {
		return
	}
	m.giftCards.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *EngineMetrics) SettlementLine(result string) {
	if m == nil || m.settlements == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *EngineMetrics) Transition(to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(to)).Inc()
}
