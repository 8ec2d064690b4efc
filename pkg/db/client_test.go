package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

type uniqueModel struct {
	ID   int
	Code string `gorm:"uniqueIndex"`
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&uniqueModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&uniqueModel{Code: "A"}).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := db.Create(&uniqueModel{Code: "A"}).Error
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain errors are not unique violations")
	}
	if IsUniqueViolation(nil, "") {
		t.Fatal("nil is not a unique violation")
	}
	pgStyle := errors.New(`ERROR: duplicate key value violates unique constraint "gift_cards_code_key"`)
	if !IsUniqueViolation(pgStyle, "gift_cards_code_key") {
		t.Fatal("expected constraint match")
	}
	if IsUniqueViolation(pgStyle, "other_key") {
		t.Fatal("unexpected constraint match")
	}
}

func TestFromGormWrapsConnection(t *testing.T) {
	db := newTestDB(t)
	client := FromGorm(db)
	if client.DB() != db {
		t.Fatal("expected wrapped connection")
	}
}

func TestWithTxReplaysSerializationFailures(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db, txAttempts: 3}

	calls := 0
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		if err := tx.Create(&testModel{Name: fmt.Sprintf("attempt-%d", calls)}).Error; err != nil {
			return err
		}
		if calls == 1 {
			return fmt.Errorf("lock gift card: %w", &pgconn.PgError{Code: "40001"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected the second attempt to commit, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}
	var names []string
	if err := db.Model(&testModel{}).Where("name LIKE ?", "attempt-%").Pluck("name", &names).Error; err != nil {
		t.Fatalf("pluck: %v", err)
	}
	if len(names) != 1 || names[0] != "attempt-2" {
		t.Fatalf("expected only the committed attempt, got %v", names)
	}
}

func TestWithTxGivesUpAfterAttempts(t *testing.T) {
	client := &Client{conn: newTestDB(t), txAttempts: 2}
	calls := 0
	err := client.WithTx(context.Background(), func(*gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !IsTxRetryable(err) || calls != 2 {
		t.Fatalf("expected two attempts ending in a deadlock error, got %d calls and %v", calls, err)
	}

	calls = 0
	err = client.WithTx(context.Background(), func(*gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("unique violations are not replayed, got %d calls", calls)
	}
}

func TestQueryLoggerReportsFailuresAndSlowStatements(t *testing.T) {
	buf := &bytes.Buffer{}
	q := &queryLogger{logg: logger.New(logger.Options{ServiceName: "test", Output: buf}), slow: 100 * time.Millisecond}
	statement := func() (string, int64) { return "SELECT * FROM orders WHERE id = 1", 1 }

	q.Trace(context.Background(), time.Now(), statement, gorm.ErrRecordNotFound)
	q.Trace(context.Background(), time.Now(), statement, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast lookups should not log; entry=%s", buf.String())
	}

	q.Trace(context.Background(), time.Now().Add(-time.Second), statement, nil)
	if !strings.Contains(buf.String(), "slow query") {
		t.Fatalf("expected slow query line; entry=%s", buf.String())
	}

	buf.Reset()
	q.Trace(context.Background(), time.Now(), statement, errors.New("relation does not exist"))
	if !strings.Contains(buf.String(), "query failed") || !strings.Contains(buf.String(), "FROM orders") {
		t.Fatalf("expected failed query line; entry=%s", buf.String())
	}
}
