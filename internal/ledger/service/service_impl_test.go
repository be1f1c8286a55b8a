package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ledgerdomain "github.com/modrunhq/modrun/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupLedger(t *testing.T) (ledgerdomain.Service, *gorm.DB, *snowflake.Node) {
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

	if err := db.AutoMigrate(&ledgerdomain.CreditAccount{}, &ledgerdomain.CreditTransaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// SQLite needs the partial unique index for ON CONFLICT DO NOTHING to apply.
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_transactions_refund_once
		ON credit_transactions(correlation_id) WHERE reason = 'refund'`)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
	return svc, db, node
}

func TestReserveInsufficientCredits(t *testing.T) {
	svc, _, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	if _, err := svc.Grant(ctx, userID, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	_, err := svc.Reserve(ctx, userID, 15)
	var insufficient *ledgerdomain.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Required != 15 || insufficient.Available != 10 || insufficient.Shortfall != 5 {
		t.Fatalf("unexpected shortfall detail: %+v", insufficient)
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("expected balance 10 after rejection, got %d", balance)
	}
}

func TestReserveZeroAmountSkipsLedger(t *testing.T) {
	svc, db, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	reservationID, err := svc.Reserve(ctx, userID, 0)
	if err != nil {
		t.Fatalf("reserve zero: %v", err)
	}
	if reservationID != 0 {
		t.Fatalf("expected zero reservation id, got %s", reservationID.String())
	}

	var count int64
	if err := db.Model(&ledgerdomain.CreditTransaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no transactions for a free reservation, got %d", count)
	}
}

func TestReserveDebitsAndRecordsTransaction(t *testing.T) {
	svc, db, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	if _, err := svc.Grant(ctx, userID, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	reservationID, err := svc.Reserve(ctx, userID, 3)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reservationID == 0 {
		t.Fatal("expected non-zero reservation id")
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7 {
		t.Fatalf("expected balance 7, got %d", balance)
	}

	var entry ledgerdomain.CreditTransaction
	if err := db.Where("id = ?", reservationID).Take(&entry).Error; err != nil {
		t.Fatalf("load reservation: %v", err)
	}
	if entry.Amount != -3 || entry.Reason != ledgerdomain.ReasonReserve || entry.CorrelationID != reservationID {
		t.Fatalf("unexpected reservation row: %+v", entry)
	}
}

func TestRefundIdempotence(t *testing.T) {
	svc, db, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	if _, err := svc.Grant(ctx, userID, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}
	reservationID, err := svc.Reserve(ctx, userID, 3)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.Refund(ctx, reservationID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := svc.Refund(ctx, reservationID); !errors.Is(err, ledgerdomain.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("expected balance 10 after single refund, got %d", balance)
	}

	var refunds int64
	err = db.Model(&ledgerdomain.CreditTransaction{}).
		Where("reason = ? AND correlation_id = ?", ledgerdomain.ReasonRefund, reservationID).
		Count(&refunds).Error
	if err != nil {
		t.Fatalf("count refunds: %v", err)
	}
	if refunds != 1 {
		t.Fatalf("expected exactly one refund row, got %d", refunds)
	}
}

func TestRefundUnknownReservation(t *testing.T) {
	svc, _, node := setupLedger(t)
	ctx := context.Background()

	if err := svc.Refund(ctx, node.Generate()); !errors.Is(err, ledgerdomain.ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
	if err := svc.Refund(ctx, 0); !errors.Is(err, ledgerdomain.ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation for zero id, got %v", err)
	}
}

func TestReserveRefundConservation(t *testing.T) {
	svc, _, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	if _, err := svc.Grant(ctx, userID, 100); err != nil {
		t.Fatalf("grant: %v", err)
	}

	for i := 0; i < 5; i++ {
		reservationID, err := svc.Reserve(ctx, userID, int64(i+1))
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if err := svc.Refund(ctx, reservationID); err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100 after paired reserve/refund, got %d", balance)
	}
}

func TestReserveNeverOverspends(t *testing.T) {
	svc, _, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	if _, err := svc.Grant(ctx, userID, 5); err != nil {
		t.Fatalf("grant: %v", err)
	}

	first, firstErr := svc.Reserve(ctx, userID, 5)
	_, secondErr := svc.Reserve(ctx, userID, 5)

	if firstErr != nil {
		t.Fatalf("first reserve: %v", firstErr)
	}
	if first == 0 {
		t.Fatal("expected reservation id for first reserve")
	}
	if !ledgerdomain.IsInsufficientCredits(secondErr) {
		t.Fatalf("expected second reserve to be rejected, got %v", secondErr)
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestGrantCreatesAccount(t *testing.T) {
	svc, _, node := setupLedger(t)
	ctx := context.Background()
	userID := node.Generate()

	if _, err := svc.Balance(ctx, userID); !errors.Is(err, ledgerdomain.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount before grant, got %v", err)
	}

	if _, err := svc.Grant(ctx, userID, 25); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Grant(ctx, userID, 5); err != nil {
		t.Fatalf("second grant: %v", err)
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 30 {
		t.Fatalf("expected balance 30, got %d", balance)
	}
}

func TestReserveValidation(t *testing.T) {
	svc, _, node := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, 0, 5); !errors.Is(err, ledgerdomain.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount for zero user, got %v", err)
	}
	if _, err := svc.Reserve(ctx, node.Generate(), -1); !errors.Is(err, ledgerdomain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
	if _, err := svc.Grant(ctx, node.Generate(), 0); !errors.Is(err, ledgerdomain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero grant, got %v", err)
	}
}
