package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/modrunhq/modrun/internal/config"
	ledgerdomain "github.com/modrunhq/modrun/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EnsureBootstrapAccount grants the signup credits to the configured bootstrap
// user so local and self-hosted environments start with a funded account. The
// grant is applied once; an existing account is left untouched.
func EnsureBootstrapAccount(db *gorm.DB, cfg config.Config, ledger ledgerdomain.Service, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if cfg.BootstrapUserID == 0 || cfg.SignupGrant <= 0 {
		return nil
	}

	ctx := context.Background()
	userID := snowflake.ID(cfg.BootstrapUserID)

	var account ledgerdomain.CreditAccount
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if _, err := ledger.Grant(ctx, userID, cfg.SignupGrant); err != nil {
		return err
	}
	log.Info("seeded bootstrap credit account",
		zap.Int64("user_id", cfg.BootstrapUserID),
		zap.Int64("credits", cfg.SignupGrant),
	)
	return nil
}
