package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/nairaflow/reconciler/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("wallet.service"),
		genID: p.GenID,
	}
}

func (s *Service) Credit(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, transactionID snowflake.ID, amount int64, currency string, narration string) error {
	return s.move(ctx, tx, walletID, transactionID, walletdomain.DirectionCredit, amount, currency, narration)
}

func (s *Service) Debit(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, transactionID snowflake.ID, amount int64, currency string, narration string) error {
	return s.move(ctx, tx, walletID, transactionID, walletdomain.DirectionDebit, amount, currency, narration)
}

func (s *Service) move(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, transactionID snowflake.ID, direction string, amount int64, currency string, narration string) error {
	if tx == nil {
		tx = s.db
	}
	if amount <= 0 {
		return walletdomain.ErrInvalidAmount
	}
	if transactionID == 0 {
		return walletdomain.ErrInvalidTransaction
	}

	var wallet walletdomain.Wallet
	if err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, currency, balance_kobo, created_at, updated_at
		 FROM wallets
		 WHERE id = ?
		 LIMIT 1
		 FOR UPDATE`,
		walletID,
	).Scan(&wallet).Error; err != nil {
		return err
	}
	if wallet.ID == 0 {
		return walletdomain.ErrWalletNotFound
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency != "" && !strings.EqualFold(wallet.Currency, currency) {
		return walletdomain.ErrCurrencyMismatch
	}

	balance := wallet.BalanceKobo
	switch direction {
	case walletdomain.DirectionCredit:
		balance += amount
	case walletdomain.DirectionDebit:
		if balance < amount {
			return walletdomain.ErrInsufficientFunds
		}
		balance -= amount
	default:
		return walletdomain.ErrInvalidDirection
	}

	now := time.Now().UTC()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE wallets
		 SET balance_kobo = ?, updated_at = ?
		 WHERE id = ?`,
		balance,
		now,
		wallet.ID,
	).Error; err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO wallet_entries (
			id, wallet_id, transaction_id, direction, amount_kobo,
			balance_after, narration, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		wallet.ID,
		transactionID,
		direction,
		amount,
		balance,
		narration,
		now,
	).Error
}

func (s *Service) Balance(ctx context.Context, walletID snowflake.ID) (int64, error) {
	var balance int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT balance_kobo FROM wallets WHERE id = ?`,
		walletID,
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}
