package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/modrunhq/modrun/internal/clock"
	usagedomain "github.com/modrunhq/modrun/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Open(ctx context.Context, req usagedomain.OpenRequest) (*usagedomain.UsageRecord, error) {
	if req.UserID == 0 {
		return nil, usagedomain.ErrInvalidUser
	}
	moduleRef := strings.TrimSpace(req.ModuleRef)
	if moduleRef == "" {
		return nil, usagedomain.ErrInvalidModuleRef
	}
	if req.Cost < 0 {
		return nil, usagedomain.ErrInvalidCost
	}

	now := s.clock.Now()
	record := &usagedomain.UsageRecord{
		ID:            s.genID.Generate(),
		UserID:        req.UserID,
		ModuleRef:     moduleRef,
		Cost:          req.Cost,
		Status:        usagedomain.UsageStatusPending,
		ReservationID: req.ReservationID,
		OpenedAt:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Input != nil {
		record.Input = datatypes.JSONMap(req.Input)
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// Close terminates a pending record. The status guard in the update makes a
// second close a no-op: the monotonic pending -> terminal transition cannot
// be replayed or reversed.
func (s *Service) Close(ctx context.Context, usageID snowflake.ID, req usagedomain.CloseRequest) error {
	if usageID == 0 {
		return usagedomain.ErrUsageNotFound
	}
	if req.Status != usagedomain.UsageStatusSuccess && req.Status != usagedomain.UsageStatusFailed {
		return usagedomain.ErrInvalidCloseStatus
	}

	record, err := s.Get(ctx, usageID)
	if err != nil {
		return err
	}
	if record.Status != usagedomain.UsageStatusPending {
		s.log.Warn("close called on already-closed usage record",
			zap.String("usage_id", usageID.String()),
			zap.String("status", string(record.Status)),
		)
		return nil
	}

	closedAt := s.clock.Now()
	durationMs := closedAt.Sub(record.OpenedAt).Milliseconds()
	updates := map[string]any{
		"status":        req.Status,
		"error_message": strings.TrimSpace(req.ErrorMessage),
		"closed_at":     closedAt,
		"duration_ms":   durationMs,
		"updated_at":    closedAt,
	}
	if req.Output != nil {
		updates["output"] = datatypes.JSONMap(req.Output)
	}

	result := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("id = ? AND status = ?", usageID, usagedomain.UsageStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the race against another close. Terminal state already set.
		s.log.Warn("usage record closed concurrently",
			zap.String("usage_id", usageID.String()),
		)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, usageID snowflake.ID) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).Where("id = ?", usageID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, usagedomain.ErrUsageNotFound
		}
		return nil, err
	}
	return &record, nil
}
