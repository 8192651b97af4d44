package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Providers this service accepts webhooks from.
const (
	ProviderPaystack = "paystack"
	ProviderCircle   = "circle"
	ProviderVTPass   = "vtpass"
	ProviderResend   = "resend"
)

// Target statuses a provider event can drive a transaction toward.
const (
	TargetStatusPending   = "pending"
	TargetStatusCompleted = "completed"
	TargetStatusFailed    = "failed"
)

// EventRecord is the durable copy of one authenticated provider delivery.
// Rows are never deleted; duplicate deliveries collapse onto one row via
// the (provider, provider_event_id) unique constraint.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	ProcessingError *string        `json:"processing_error"`
	RetryCount      int            `json:"retry_count" gorm:"not null;default:0"`
}

func (EventRecord) TableName() string { return "webhook_events" }

// Event is the canonical webhook event normalized by provider adapters.
// Amounts are integer minor units (kobo for NGN, cents for USD).
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string
	Reference       string
	TargetStatus    string
	Amount          int64
	Currency        string
	OccurredAt      time.Time
	Metadata        map[string]any
	RawPayload      []byte
}
