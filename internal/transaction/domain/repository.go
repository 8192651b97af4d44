package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads and mutates transaction rows. The db handle is passed in
// so the reconciliation engine controls the transaction scope.
type Repository interface {
	// FindByReferenceForUpdate locks the row for the duration of the
	// surrounding database transaction. Returns nil when no row matches.
	FindByReferenceForUpdate(ctx context.Context, db *gorm.DB, reference string) (*Transaction, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, now time.Time) error
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
}
