package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/modrunhq/modrun/internal/ledger/domain"
	obsmetrics "github.com/modrunhq/modrun/internal/observability/metrics"
	"github.com/modrunhq/modrun/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

// Reserve debits the balance with a single conditional update so concurrent
// reservations for the same user cannot overspend. The reserve transaction is
// appended in the same database transaction.
func (s *Service) Reserve(ctx context.Context, userID snowflake.ID, amount int64) (snowflake.ID, error) {
	if userID == 0 {
		return 0, ledgerdomain.ErrUnknownAccount
	}
	if amount < 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}
	if amount == 0 {
		// Free operations skip the ledger entirely.
		return 0, nil
	}

	var reservationID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Exec(
			`UPDATE credit_accounts
			 SET balance = balance - ?, updated_at = ?
			 WHERE user_id = ? AND balance >= ?`,
			amount, now, userID, amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			available, err := s.readBalance(tx, userID)
			if err != nil {
				return err
			}
			return &ledgerdomain.InsufficientCreditsError{
				Required:  amount,
				Available: available,
				Shortfall: amount - available,
			}
		}

		id := s.genID.Generate()
		entry := ledgerdomain.CreditTransaction{
			ID:            id,
			UserID:        userID,
			Amount:        -amount,
			Reason:        ledgerdomain.ReasonReserve,
			CorrelationID: id,
			CreatedAt:     now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		reservationID = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservation(ctx, amount)
	}
	return reservationID, nil
}

// Refund credits back a reservation's amount. Idempotence is enforced by the
// partial unique index on refund rows: the conditional insert affects zero
// rows when a refund already exists, and the balance update is rolled back
// with it.
func (s *Service) Refund(ctx context.Context, reservationID snowflake.ID) error {
	if reservationID == 0 {
		return ledgerdomain.ErrUnknownReservation
	}

	var refunded int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation ledgerdomain.CreditTransaction
		err := tx.
			Where("id = ? AND reason = ?", reservationID, ledgerdomain.ReasonReserve).
			First(&reservation).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledgerdomain.ErrUnknownReservation
			}
			return err
		}

		now := time.Now().UTC()
		refund := ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        reservation.UserID,
			Amount:        -reservation.Amount,
			Reason:        ledgerdomain.ReasonRefund,
			CorrelationID: reservation.ID,
			CreatedAt:     now,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&refund)
		if result.Error != nil {
			if db.IsDuplicateKeyErr(result.Error) {
				return ledgerdomain.ErrAlreadyRefunded
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ledgerdomain.ErrAlreadyRefunded
		}

		refunded = refund.Amount
		return tx.Exec(
			`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
			refund.Amount, now, reservation.UserID,
		).Error
	})
	if err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRefund(ctx, refunded)
	}
	return nil
}

// Grant credits an account, creating it when the user has none yet.
func (s *Service) Grant(ctx context.Context, userID snowflake.ID, amount int64) (snowflake.ID, error) {
	if userID == 0 {
		return 0, ledgerdomain.ErrUnknownAccount
	}
	if amount <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	var grantID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Exec(
			`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
			amount, now, userID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			account := ledgerdomain.CreditAccount{
				UserID:    userID,
				Balance:   amount,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&account).Error; err != nil {
				return err
			}
		}

		id := s.genID.Generate()
		entry := ledgerdomain.CreditTransaction{
			ID:            id,
			UserID:        userID,
			Amount:        amount,
			Reason:        ledgerdomain.ReasonGrant,
			CorrelationID: id,
			CreatedAt:     now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		grantID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return grantID, nil
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (int64, error) {
	if userID == 0 {
		return 0, ledgerdomain.ErrUnknownAccount
	}
	return s.readBalance(s.db.WithContext(ctx), userID)
}

func (s *Service) readBalance(tx *gorm.DB, userID snowflake.ID) (int64, error) {
	var account ledgerdomain.CreditAccount
	err := tx.Where("user_id = ?", userID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ledgerdomain.ErrUnknownAccount
		}
		return 0, err
	}
	return account.Balance, nil
}
