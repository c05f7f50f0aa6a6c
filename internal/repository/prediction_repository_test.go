package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/aaquiib/disease-2.0/internal/logging"
)

func newDryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.Open("host=localhost user=test dbname=test sslmode=disable"), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open dry-run db: %v", err)
	}
	return db
}

func TestSaveLogTargetsPredictionTable(t *testing.T) {
	db := newDryRunDB(t)
	repo := NewPredictionRepository(db, zap.NewNop())

	log := &PredictionLog{
		RequestID:  "req-1",
		Class:      "Late Blight",
		Confidence: 91.5,
		ImageSHA1:  strings.Repeat("a", 40),
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.SaveLog(context.Background(), log); err != nil {
		t.Fatalf("expected dry-run save to succeed, got %v", err)
	}

	stmt := db.Session(&gorm.Session{DryRun: true}).Create(&PredictionLog{RequestID: "req-2"}).Statement
	sql := stmt.SQL.String()
	if !strings.Contains(sql, `"prediction_logs"`) {
		t.Fatalf("expected insert into prediction_logs, got %s", sql)
	}
	if !strings.Contains(sql, `"request_id"`) {
		t.Fatalf("expected request_id column, got %s", sql)
	}
}

// onQuery runs fn after gorm builds each dry-run query, standing in for the
// database's answer.
func onQuery(t *testing.T, db *gorm.DB, fn func(tx *gorm.DB)) {
	t.Helper()
	if err := db.Callback().Query().After("gorm:query").Register("test:answer_query", fn); err != nil {
		t.Fatalf("failed to register query callback: %v", err)
	}
}

func TestFindByRequestIDReturnsStoredLog(t *testing.T) {
	db := newDryRunDB(t)
	var sql string
	var vars []interface{}
	onQuery(t, db, func(tx *gorm.DB) {
		sql = tx.Statement.SQL.String()
		vars = tx.Statement.Vars
		if log, ok := tx.Statement.Dest.(*PredictionLog); ok {
			log.RequestID = "req-9"
			log.Subject = "grower-7"
			log.Class = "Healthy"
			log.Confidence = 97.1
		}
	})
	repo := NewPredictionRepository(db, zap.NewNop())

	log, err := repo.FindByRequestID(context.Background(), "req-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Class != "Healthy" || log.Subject != "grower-7" {
		t.Fatalf("unexpected log %+v", log)
	}
	if !strings.Contains(sql, `"prediction_logs"`) || !strings.Contains(sql, "request_id = $1") {
		t.Fatalf("unexpected query: %s", sql)
	}
	if len(vars) == 0 || vars[0] != "req-9" {
		t.Fatalf("unexpected vars: %v", vars)
	}
}

func TestFindByRequestIDMapsMissingRowToErrNotFound(t *testing.T) {
	db := newDryRunDB(t)
	onQuery(t, db, func(tx *gorm.DB) { tx.AddError(gorm.ErrRecordNotFound) })
	repo := NewPredictionRepository(db, zap.NewNop())

	log, err := repo.FindByRequestID(context.Background(), "unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if log != nil {
		t.Fatalf("expected no log, got %+v", log)
	}
}

func TestFindByRequestIDWrapsDatabaseErrors(t *testing.T) {
	db := newDryRunDB(t)
	cause := errors.New("connection reset")
	onQuery(t, db, func(tx *gorm.DB) { tx.AddError(cause) })
	repo := NewPredictionRepository(db, zap.NewNop())

	_, err := repo.FindByRequestID(context.Background(), "req-3")
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("database failure must not look like a missing row: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.find_by_request_id" || opErr.RequestID != "req-3" {
		t.Fatalf("expected OperationError for find_by_request_id, got %#v", err)
	}
}
