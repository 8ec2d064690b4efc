package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// detailKeys are the details copied onto error logs so one grep by id finds the failure.
var detailKeys = []string{
	"order_id",
	"payment_id",
	"refund_id",
	"gift_card_id",
	"settlement_id",
	"status",
	"step",
}

// LogFields flattens err for a structured log line. Typed errors contribute their code and the
// ids in their details; driver errors contribute the SQLSTATE and constraint.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	fields := map[string]any{"error": err.Error()}

	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T", e))
	}
	if len(chain) > 1 {
		fields["error_chain"] = chain
	}

	if typed := As(err); typed != nil {
		fields["error_code"] = typed.Code()
		fields["retryable"] = MetadataFor(typed.Code()).Retryable
		if details, ok := typed.Details().(map[string]any); ok {
			for _, key := range detailKeys {
				if v, ok := details[key]; ok {
					fields[key] = v
				}
			}
		}
	}

	if state, constraint, table := sqlState(err); state != "" {
		fields["pg_code"] = state
		if constraint != "" {
			fields["pg_constraint"] = constraint
		}
		if table != "" {
			fields["pg_table"] = table
		}
		// serialization failures and lock timeouts clear up on their own
		if state == "40001" || state == "40P01" || state == "55P03" {
			fields["retryable"] = true
		}
	}
	return fields
}

func sqlState(err error) (state, constraint, table string) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, pqErr.Table
	}
	return "", "", ""
}
