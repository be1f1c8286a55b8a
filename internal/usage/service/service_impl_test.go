package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/modrunhq/modrun/internal/clock"
	usagedomain "github.com/modrunhq/modrun/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupUsage(t *testing.T) (usagedomain.Service, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&usagedomain.UsageRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc, db, node, fake
}

func TestOpenCreatesPendingRecord(t *testing.T) {
	svc, _, node, fake := setupUsage(t)
	ctx := context.Background()
	userID := node.Generate()

	record, err := svc.Open(ctx, usagedomain.OpenRequest{
		UserID:        userID,
		ModuleRef:     "summarizer",
		Cost:          3,
		Input:         map[string]any{"text": "hello"},
		ReservationID: node.Generate(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if record.Status != usagedomain.UsageStatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if !record.OpenedAt.Equal(fake.Now()) {
		t.Fatalf("expected opened_at %v, got %v", fake.Now(), record.OpenedAt)
	}
	if record.ClosedAt != nil || record.DurationMs != nil {
		t.Fatal("expected open record to have no terminal fields")
	}

	loaded, err := svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.ModuleRef != "summarizer" || loaded.Cost != 3 {
		t.Fatalf("unexpected persisted record: %+v", loaded)
	}
}

func TestOpenValidation(t *testing.T) {
	svc, _, node, _ := setupUsage(t)
	ctx := context.Background()

	if _, err := svc.Open(ctx, usagedomain.OpenRequest{ModuleRef: "m", Cost: 1}); !errors.Is(err, usagedomain.ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := svc.Open(ctx, usagedomain.OpenRequest{UserID: node.Generate(), ModuleRef: "  ", Cost: 1}); !errors.Is(err, usagedomain.ErrInvalidModuleRef) {
		t.Fatalf("expected ErrInvalidModuleRef, got %v", err)
	}
	if _, err := svc.Open(ctx, usagedomain.OpenRequest{UserID: node.Generate(), ModuleRef: "m", Cost: -1}); !errors.Is(err, usagedomain.ErrInvalidCost) {
		t.Fatalf("expected ErrInvalidCost, got %v", err)
	}
}

func TestCloseSetsTerminalFields(t *testing.T) {
	svc, _, node, fake := setupUsage(t)
	ctx := context.Background()

	record, err := svc.Open(ctx, usagedomain.OpenRequest{
		UserID:    node.Generate(),
		ModuleRef: "summarizer",
		Cost:      3,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	fake.Advance(1500 * time.Millisecond)
	err = svc.Close(ctx, record.ID, usagedomain.CloseRequest{
		Status: usagedomain.UsageStatusSuccess,
		Output: map[string]any{"content": "hello"},
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	closed, err := svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if closed.Status != usagedomain.UsageStatusSuccess {
		t.Fatalf("expected success status, got %s", closed.Status)
	}
	if closed.ClosedAt == nil || closed.DurationMs == nil {
		t.Fatal("expected terminal fields to be set")
	}
	if *closed.DurationMs != 1500 {
		t.Fatalf("expected duration 1500ms, got %d", *closed.DurationMs)
	}
	if closed.Output["content"] != "hello" {
		t.Fatalf("expected output stored, got %v", closed.Output)
	}
}

func TestCloseAlreadyClosedIsNoOp(t *testing.T) {
	svc, _, node, fake := setupUsage(t)
	ctx := context.Background()

	record, err := svc.Open(ctx, usagedomain.OpenRequest{
		UserID:    node.Generate(),
		ModuleRef: "summarizer",
		Cost:      3,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	fake.Advance(time.Second)
	if err := svc.Close(ctx, record.ID, usagedomain.CloseRequest{
		Status:       usagedomain.UsageStatusFailed,
		ErrorMessage: "executor timed out",
	}); err != nil {
		t.Fatalf("first close: %v", err)
	}

	fake.Advance(time.Minute)
	if err := svc.Close(ctx, record.ID, usagedomain.CloseRequest{
		Status: usagedomain.UsageStatusSuccess,
		Output: map[string]any{"content": "late"},
	}); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	closed, err := svc.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if closed.Status != usagedomain.UsageStatusFailed {
		t.Fatalf("expected terminal status to stay failed, got %s", closed.Status)
	}
	if closed.ErrorMessage != "executor timed out" {
		t.Fatalf("expected original error message, got %q", closed.ErrorMessage)
	}
	if *closed.DurationMs != 1000 {
		t.Fatalf("expected duration from first close, got %d", *closed.DurationMs)
	}
}

func TestCloseValidation(t *testing.T) {
	svc, _, node, _ := setupUsage(t)
	ctx := context.Background()

	if err := svc.Close(ctx, 0, usagedomain.CloseRequest{Status: usagedomain.UsageStatusFailed}); !errors.Is(err, usagedomain.ErrUsageNotFound) {
		t.Fatalf("expected ErrUsageNotFound for zero id, got %v", err)
	}
	if err := svc.Close(ctx, node.Generate(), usagedomain.CloseRequest{Status: usagedomain.UsageStatusPending}); !errors.Is(err, usagedomain.ErrInvalidCloseStatus) {
		t.Fatalf("expected ErrInvalidCloseStatus, got %v", err)
	}
	if err := svc.Close(ctx, node.Generate(), usagedomain.CloseRequest{Status: usagedomain.UsageStatusFailed}); !errors.Is(err, usagedomain.ErrUsageNotFound) {
		t.Fatalf("expected ErrUsageNotFound for missing record, got %v", err)
	}
}
