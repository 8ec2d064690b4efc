package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestLogFieldsCarriesEngineIDs(t *testing.T) {
	err := New(CodeStateConflict, "order payment cannot be confirmed").WithDetails(map[string]any{
		"order_id":        "ord-1",
		"status":          "shipped",
		"requested_cents": 500,
	})

	fields := LogFields(fmt.Errorf("confirm: %w", err))
	if fields["error_code"] != CodeStateConflict {
		t.Fatalf("unexpected code %v", fields["error_code"])
	}
	if fields["order_id"] != "ord-1" || fields["status"] != "shipped" {
		t.Fatalf("ids not copied: %v", fields)
	}
	if _, ok := fields["requested_cents"]; ok {
		t.Fatalf("amounts should stay out of error logs: %v", fields)
	}
	if chain, ok := fields["error_chain"].([]string); !ok || len(chain) != 2 {
		t.Fatalf("unexpected chain %v", fields["error_chain"])
	}
	if fields["retryable"] != false {
		t.Fatalf("state conflicts are not retryable")
	}
}

func TestLogFieldsReadsDriverErrors(t *testing.T) {
	pgx := Wrap(CodeConflict, &pgconn.PgError{Code: "40001", TableName: "gift_cards"}, "redeem gift card")
	fields := LogFields(pgx)
	if fields["pg_code"] != "40001" || fields["pg_table"] != "gift_cards" {
		t.Fatalf("unexpected pgx fields %v", fields)
	}
	if fields["retryable"] != true {
		t.Fatalf("serialization failures should be retryable")
	}

	pqErr := &pq.Error{Code: "23505", Constraint: "ux_payments_idempotency_key"}
	fields = LogFields(fmt.Errorf("insert payment: %w", pqErr))
	if fields["pg_code"] != "23505" || fields["pg_constraint"] != "ux_payments_idempotency_key" {
		t.Fatalf("unexpected pq fields %v", fields)
	}
	if _, ok := fields["error_code"]; ok {
		t.Fatalf("untyped errors have no code: %v", fields)
	}
}

func TestLogFieldsNil(t *testing.T) {
	if got := LogFields(nil); len(got) != 0 {
		t.Fatalf("expected no fields, got %v", got)
	}
	if got := LogFields(stdErrors.New("plain")); got["error"] != "plain" {
		t.Fatalf("unexpected fields %v", got)
	}
}
