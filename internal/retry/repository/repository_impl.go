package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nairaflow/reconciler/internal/retry/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const deliveryColumns = `id, event_id, provider, reference, status, attempts,
	last_error, next_attempt_at, dead_letter_reason, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, delivery *domain.Delivery) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_deliveries (
			id, event_id, provider, reference, status, attempts,
			last_error, next_attempt_at, dead_letter_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID,
		delivery.EventID,
		delivery.Provider,
		delivery.Reference,
		delivery.Status,
		delivery.Attempts,
		delivery.LastError,
		delivery.NextAttemptAt,
		delivery.DeadLetterReason,
		delivery.CreatedAt,
		delivery.UpdatedAt,
	).Error
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*domain.Delivery, error) {
	var item domain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE event_id = ?
		 LIMIT 1
		 FOR UPDATE`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Delivery, error) {
	var item domain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE id = ?
		 LIMIT 1
		 FOR UPDATE`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ClaimDue must run inside a transaction: the FOR UPDATE SKIP LOCKED scan
// and the in_flight flip commit together so no two workers share a row.
func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	var items []*domain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE status IN (?, ?)
		   AND next_attempt_at IS NOT NULL
		   AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.StatusQueued,
		domain.StatusRetryScheduled,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, updated_at = ?
		 WHERE id IN (?)`,
		domain.StatusInFlight,
		now,
		ids,
	).Error; err != nil {
		return nil, err
	}
	for _, item := range items {
		item.Status = domain.StatusInFlight
		item.UpdatedAt = now
	}
	return items, nil
}

// RequeueStale returns in_flight rows last touched before cutoff to the
// queue, due immediately. Covers workers that died between claiming and
// settling a delivery.
func (r *repo) RequeueStale(ctx context.Context, db *gorm.DB, cutoff time.Time, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, next_attempt_at = ?, updated_at = ?
		 WHERE status = ?
		   AND updated_at < ?`,
		domain.StatusQueued,
		now,
		now,
		domain.StatusInFlight,
		cutoff,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, delivery *domain.Delivery) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?,
			dead_letter_reason = ?, updated_at = ?
		 WHERE id = ?`,
		delivery.Status,
		delivery.Attempts,
		delivery.LastError,
		delivery.NextAttemptAt,
		delivery.DeadLetterReason,
		delivery.UpdatedAt,
		delivery.ID,
	).Error
}

func (r *repo) ListDeadLetters(ctx context.Context, db *gorm.DB, filter domain.DeadLetterFilter) ([]*domain.Delivery, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + deliveryColumns + `
		 FROM webhook_deliveries
		 WHERE status = ?`
	args := []any{domain.StatusDeadLettered}

	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.Cursor != nil {
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, filter.Cursor.UpdatedAt, filter.Cursor.UpdatedAt, filter.Cursor.ID)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	var items []*domain.Delivery
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
