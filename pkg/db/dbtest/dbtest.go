// Package dbtest opens throwaway SQLite databases carrying the engine schema.
package dbtest

import (
	"io"
	"log"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/dispensary-engine/pkg/db"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
)

// Models lists every table the engine writes, in dependency order.
func Models() []any {
	return []any{
		&models.InventoryItem{},
		&models.InventoryMovement{},
		&models.Order{},
		&models.OrderItem{},
		&models.OrderStatusHistory{},
		&models.ReturnRequest{},
		&models.Payment{},
		&models.Refund{},
		&models.Chargeback{},
		&models.GiftCard{},
		&models.GiftCardTransaction{},
		&models.Settlement{},
		&models.SettlementLine{},
		&models.SettlementDiscrepancy{},
		&models.LedgerEvent{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	}
}

// Open returns an isolated in-memory database. A single pooled connection serializes writers
// the way row locks would on Postgres, so callers must only use the tx handle inside a transaction.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:engine_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: gormlogger.New(log.New(io.Discard, "", 0), gormlogger.Config{
			LogLevel: gormlogger.Silent,
		}),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

// Client wraps Open in the db.Client used by services.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.FromGorm(Open(t))
}
