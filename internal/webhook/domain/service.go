package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service ingests provider webhooks end to end: verify, record, reconcile.
type Service interface {
	// IngestWebhook handles one inbound delivery. A nil error means the
	// delivery was accepted: processed, skipped as duplicate, or queued
	// for retry after a transient failure.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

// Repository persists webhook event records. The db handle is passed in so
// callers control transaction scope.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	FindEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) error
}

// Adapter verifies and normalizes one provider's wire format.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Normalize(ctx context.Context, payload []byte) (*Event, error)
}

// AdapterConfig carries the provider-specific settings an adapter needs.
type AdapterConfig struct {
	Provider string
	Secret   string
}

// AdapterFactory builds an Adapter for its provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}
