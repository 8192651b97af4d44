package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nairaflow/reconciler/internal/transaction/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByReferenceForUpdate(ctx context.Context, db *gorm.DB, reference string) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, wallet_id, kind, reference, status,
			amount_kobo, currency, created_at, updated_at
		 FROM transactions
		 WHERE reference = ?
		 LIMIT 1
		 FOR UPDATE`,
		reference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		now,
		id,
	).Error
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (
			id, user_id, wallet_id, kind, reference, status,
			amount_kobo, currency, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.UserID,
		txn.WalletID,
		txn.Kind,
		txn.Reference,
		txn.Status,
		txn.AmountKobo,
		txn.Currency,
		txn.CreatedAt,
		txn.UpdatedAt,
	).Error
}
