package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/nairaflow/reconciler/internal/notification/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const publishChannelPrefix = "notifications:user:"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Redis *redis.Client `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	redis *redis.Client
}

func NewService(p Params) notificationdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
		redis: p.Redis,
	}
}

func (s *Service) Notify(ctx context.Context, userID snowflake.ID, kind string, title string, body string, data map[string]any) error {
	if userID == 0 {
		return notificationdomain.ErrInvalidUser
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "general"
	}

	payload := datatypes.JSONMap{}
	for key, value := range data {
		if key == "" {
			continue
		}
		payload[key] = value
	}

	entry := notificationdomain.Notification{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Kind:      kind,
		Title:     strings.TrimSpace(title),
		Body:      strings.TrimSpace(body),
		Data:      payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO notifications (
			id, user_id, kind, title, body, data, read_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Kind,
		entry.Title,
		entry.Body,
		entry.Data,
		entry.ReadAt,
		entry.CreatedAt,
	).Error; err != nil {
		s.log.Warn("failed to persist notification", zap.String("kind", kind), zap.Error(err))
		return err
	}

	s.publish(ctx, &entry)
	return nil
}

// publish pushes the notification onto the user's Redis channel for the
// push fan-out worker. Best effort.
func (s *Service) publish(ctx context.Context, entry *notificationdomain.Notification) {
	if s.redis == nil {
		return
	}
	message, err := json.Marshal(entry)
	if err != nil {
		return
	}
	channel := fmt.Sprintf("%s%s", publishChannelPrefix, entry.UserID.String())
	if err := s.redis.Publish(ctx, channel, message).Err(); err != nil {
		s.log.Warn("failed to publish notification", zap.String("channel", channel), zap.Error(err))
	}
}
