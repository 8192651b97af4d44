package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Notification kinds surfaced to the mobile app.
const (
	KindWalletCredit   = "wallet_credit"
	KindWalletRefund   = "wallet_refund"
	KindOrderDelivered = "order_delivered"
	KindOrderFailed    = "order_failed"
	KindTransferUpdate = "transfer_update"
)

var ErrInvalidUser = errors.New("invalid_notification_user")

type Notification struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID      `json:"user_id" gorm:"not null;index"`
	Kind      string            `json:"kind" gorm:"type:text;not null"`
	Title     string            `json:"title" gorm:"type:text;not null"`
	Body      string            `json:"body" gorm:"type:text"`
	Data      datatypes.JSONMap `json:"data" gorm:"type:jsonb"`
	ReadAt    *time.Time        `json:"read_at"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

// Service delivery is fire-and-forget: callers must never fail their own
// work because a notification could not be written or published.
type Service interface {
	Notify(ctx context.Context, userID snowflake.ID, kind string, title string, body string, data map[string]any) error
}
