package ledger

import (
	"strings"

	"github.com/google/uuid"
)

// Key builds an idempotency key such as "payment:<id>:captured".
func Key(scope string, id uuid.UUID, suffix ...string) string {
	parts := append([]string{scope, id.String()}, suffix...)
	return strings.Join(parts, ":")
}
