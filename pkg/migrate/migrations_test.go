package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/dispensary-engine/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	require.NoError(t, err)
	require.Len(t, matches, 1, "expected exactly one %s migration", suffix)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return string(data)
}

func TestMigrationsDirIsValid(t *testing.T) {
	require.NoError(t, migrate.ValidateDir("migrations"))
}

func TestMigrationsContainConstraints(t *testing.T) {
	cases := map[string][]string{
		"create_inventory_items": {
			"CREATE TABLE IF NOT EXISTS inventory_items",
			"CHECK (reserved_quantity <= quantity)",
			"CREATE TABLE IF NOT EXISTS inventory_movements",
			"DROP TABLE IF EXISTS inventory_items",
		},
		"create_orders": {
			"CHECK (total_cents = subtotal_cents + tax_cents + shipping_cents - discount_cents)",
			"CREATE TABLE IF NOT EXISTS order_status_history",
			"FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE",
		},
		"create_payments": {
			"CREATE UNIQUE INDEX IF NOT EXISTS ux_payments_order_open",
			"CHECK (refunded_cents BETWEEN 0 AND amount_net_cents)",
			"CONSTRAINT ux_chargebacks_payment_case UNIQUE (payment_id, case_id)",
		},
		"create_gift_cards": {
			"CHECK (balance_after_cents = balance_before_cents + amount_cents)",
			"CHECK (balance_cents >= 0)",
		},
		"create_settlements": {
			"CONSTRAINT ux_settlements_provider_batch UNIQUE (provider, external_batch_id)",
			"CREATE TABLE IF NOT EXISTS settlement_discrepancies",
		},
		"create_ledger_events": {
			"CONSTRAINT ux_ledger_events_idempotency_key UNIQUE (idempotency_key)",
			"ledger_events is append-only",
		},
	}
	for suffix, checks := range cases {
		content := readMigration(t, suffix)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s: missing expected statement %q", suffix, sub)
			}
		}
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	path, err := migrate.CreateSQLMigration(dir, "  Add Settlement Notes! ", now)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "20260301090000_add_settlement_notes.sql"), path)
	require.NoError(t, migrate.ValidateDir(dir))

	_, err = migrate.CreateSQLMigration(dir, "add settlement notes", now)
	require.Error(t, err)

	_, err = migrate.CreateSQLMigration(dir, "!!!", now)
	require.Error(t, err)
}

func TestValidateDirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_init.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644))
	require.Error(t, migrate.ValidateDir(dir))
}

func TestParseVersion(t *testing.T) {
	v, err := migrate.ParseVersion("20260301090000")
	require.NoError(t, err)
	require.EqualValues(t, 20260301090000, v)

	_, err = migrate.ParseVersion("2026")
	require.Error(t, err)
}
