package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/nairaflow/reconciler/internal/webhook/domain"
)

var (
	// ErrReferenceNotFound is transient: the local transaction may not
	// have committed yet when the provider's webhook raced it in.
	ErrReferenceNotFound = errors.New("reference_not_found")

	// ErrStateConflict and ErrAmountMismatch are permanent and flag the
	// event for manual review; they are never silently resolved.
	ErrStateConflict  = errors.New("state_conflict")
	ErrAmountMismatch = errors.New("amount_mismatch")

	ErrLockUnavailable = errors.New("reference_lock_unavailable")
	ErrInvalidEvent    = errors.New("invalid_reconcile_event")
)

// Outcome of one reconciliation attempt.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the entity already carries the target status; a
	// redelivered webhook for a settled transition is acknowledged
	// without side effects.
	OutcomeNoop Outcome = "noop"
)

type Result struct {
	Outcome        Outcome
	TransactionID  snowflake.ID
	UserID         snowflake.ID
	Kind           string
	PreviousStatus string
	NewStatus      string
}

// Service applies a normalized webhook event to the local transaction it
// references, atomically with any balance effect.
type Service interface {
	Reconcile(ctx context.Context, event *webhookdomain.Event) (*Result, error)
}
