package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/modrunhq/modrun/internal/notification/domain"
	emailprovider "github.com/modrunhq/modrun/internal/providers/email"
	slackprovider "github.com/modrunhq/modrun/internal/providers/slack"
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
	Email emailprovider.Provider `optional:"true"`
	Slack slackprovider.Provider `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	email emailprovider.Provider
	slack slackprovider.Provider
}

func NewService(p Params) notificationdomain.Sink {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
		email: p.Email,
		slack: p.Slack,
	}
}

// Notify persists the notification and fans out to the configured providers.
// Every failure is swallowed after logging; the caller's outcome never
// depends on delivery.
func (s *Service) Notify(ctx context.Context, userID snowflake.ID, severity notificationdomain.Severity, title, message string, data map[string]any) {
	record := &notificationdomain.Notification{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Severity:  severity,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if data != nil {
		record.Data = datatypes.JSONMap(data)
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.log.Warn("failed to persist notification",
			zap.String("user_id", userID.String()),
			zap.String("title", title),
			zap.Error(err),
		)
	}

	if s.email != nil {
		if addr := userEmail(data); addr != "" {
			if err := s.email.Send(ctx, []string{addr}, title, message); err != nil {
				s.log.Warn("failed to send notification email",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
			}
		}
	}

	if s.slack != nil && severity == notificationdomain.SeverityError {
		if err := s.slack.PostMessage(ctx, "", title+": "+message); err != nil {
			s.log.Warn("failed to post slack notification", zap.Error(err))
		}
	}
}

func userEmail(data map[string]any) string {
	if data == nil {
		return ""
	}
	addr, ok := data["user_email"].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(addr)
}
