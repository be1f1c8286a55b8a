package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	publisherdomain "github.com/modrunhq/modrun/internal/publisher/domain"
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
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) publisherdomain.Publisher {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("publisher.service"),
		genID: p.GenID,
	}
}

// Publish sniffs the opaque output for known content keys and persists a
// ContentItem. Unknown shapes are stored whole as serialized JSON.
func (s *Service) Publish(ctx context.Context, userID snowflake.ID, moduleRef string, output map[string]any) error {
	item := &publisherdomain.ContentItem{
		ID:        s.genID.Generate(),
		UserID:    userID,
		ModuleRef: moduleRef,
		Title:     truncate(stringField(output, "title"), publisherdomain.MaxTitleLength),
		Body:      sniffBody(output),
		URL:       stringField(output, "url"),
	}
	if output != nil {
		item.Raw = datatypes.JSONMap(output)
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return err
	}
	s.log.Debug("published content item",
		zap.String("content_id", item.ID.String()),
		zap.String("module_ref", moduleRef),
	)
	return nil
}

func sniffBody(output map[string]any) string {
	for _, key := range []string{"content", "text"} {
		if value := stringField(output, key); value != "" {
			return value
		}
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	return string(raw)
}

func stringField(output map[string]any, key string) string {
	if output == nil {
		return ""
	}
	value, ok := output[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
