package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	reconciledomain "github.com/nairaflow/reconciler/internal/reconcile/domain"
	webhookdomain "github.com/nairaflow/reconciler/internal/webhook/domain"
	"github.com/nairaflow/reconciler/pkg/db/pagination"
	"gorm.io/gorm"
)

// Delivery statuses. queued and retry_scheduled rows are claimable; the
// other three are settled.
const (
	StatusQueued         = "queued"
	StatusInFlight       = "in_flight"
	StatusSucceeded      = "succeeded"
	StatusRetryScheduled = "retry_scheduled"
	StatusDeadLettered   = "dead_lettered"
)

var (
	ErrDeliveryNotFound       = errors.New("delivery_not_found")
	ErrDeliveryNotRequeueable = errors.New("delivery_not_requeueable")
)

// Delivery tracks the redelivery lifecycle of one stored webhook event
// whose first processing attempt failed transiently.
type Delivery struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	EventID          snowflake.ID `json:"event_id" gorm:"not null;uniqueIndex"`
	Provider         string       `json:"provider" gorm:"type:text;not null"`
	Reference        string       `json:"reference" gorm:"type:text;not null"`
	Status           string       `json:"status" gorm:"type:text;not null;index"`
	Attempts         int          `json:"attempts" gorm:"not null;default:0"`
	LastError        *string      `json:"last_error"`
	NextAttemptAt    *time.Time   `json:"next_attempt_at" gorm:"index"`
	DeadLetterReason *string      `json:"dead_letter_reason"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time    `json:"updated_at" gorm:"not null"`
}

func (Delivery) TableName() string { return "webhook_deliveries" }

// FailureKind splits processing errors into the two retry classes.
type FailureKind int

const (
	// FailureTransient covers races and infrastructure hiccups that a
	// later attempt can resolve.
	FailureTransient FailureKind = iota
	// FailurePermanent covers errors no retry can fix; the event goes
	// straight to the dead-letter queue for manual review.
	FailurePermanent
)

// Classify maps a processing error to its retry class. Unknown errors are
// treated as transient so a bug in classification never drops an event.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, reconciledomain.ErrStateConflict),
		errors.Is(err, reconciledomain.ErrAmountMismatch),
		errors.Is(err, reconciledomain.ErrInvalidEvent),
		errors.Is(err, webhookdomain.ErrInvalidEvent),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrProviderNotFound):
		return FailurePermanent
	default:
		return FailureTransient
	}
}

// Scheduler enqueues failed deliveries for redelivery or dead-letters them.
type Scheduler interface {
	// Schedule records a failed processing attempt for the stored event
	// and either plans the next attempt or dead-letters the delivery,
	// according to the failure class and the attempt count.
	Schedule(ctx context.Context, eventID snowflake.ID, provider string, reference string, cause error) error
}

// Processor replays a stored webhook event from its durable record. It is
// implemented by the ingestion service so retries run the same pipeline as
// live deliveries.
type Processor interface {
	ProcessStored(ctx context.Context, eventID snowflake.ID) error
}

// Queue exposes the dead-letter queue to operators.
type Queue interface {
	ListDeadLetters(ctx context.Context, req ListDeadLettersRequest) (ListDeadLettersResponse, error)
	// Requeue puts a dead-lettered delivery back in line with a fresh
	// attempt budget.
	Requeue(ctx context.Context, id snowflake.ID) (*Delivery, error)
}

type ListDeadLettersRequest struct {
	Provider  string
	PageSize  int
	PageToken string
}

type ListDeadLettersResponse struct {
	Deliveries []Delivery
	PageInfo   pagination.PageInfo
}

// Repository persists delivery rows. The db handle is passed in so callers
// control transaction scope.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, delivery *Delivery) error
	FindByEventID(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*Delivery, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Delivery, error)
	// ClaimDue locks up to limit due deliveries, marks them in_flight
	// and returns them. Rows locked by another worker are skipped.
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Delivery, error)
	// RequeueStale re-queues in_flight rows last touched before cutoff,
	// reclaiming deliveries whose worker died mid-attempt.
	RequeueStale(ctx context.Context, db *gorm.DB, cutoff time.Time, now time.Time) (int64, error)
	Update(ctx context.Context, db *gorm.DB, delivery *Delivery) error
	ListDeadLetters(ctx context.Context, db *gorm.DB, filter DeadLetterFilter) ([]*Delivery, error)
}

type DeadLetterFilter struct {
	Provider string
	Cursor   *DeadLetterCursor
	Limit    int
}

type DeadLetterCursor struct {
	ID        snowflake.ID
	UpdatedAt time.Time
}
