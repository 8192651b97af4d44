package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Entry directions.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

var (
	ErrWalletNotFound     = errors.New("wallet_not_found")
	ErrCurrencyMismatch   = errors.New("wallet_currency_mismatch")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidDirection   = errors.New("invalid_direction")
	ErrInvalidTransaction = errors.New("invalid_transaction")
)

// Wallet balances are integer kobo (or cents for USD wallets).
type Wallet struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID      snowflake.ID `json:"user_id" gorm:"not null;index"`
	Currency    string       `json:"currency" gorm:"type:text;not null"`
	BalanceKobo int64        `json:"balance_kobo" gorm:"not null;default:0"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// Entry is one movement on a wallet, written alongside every balance
// change so the balance is always reconstructible.
type Entry struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	WalletID      snowflake.ID `json:"wallet_id" gorm:"not null;index"`
	TransactionID snowflake.ID `json:"transaction_id" gorm:"not null;index"`
	Direction     string       `json:"direction" gorm:"type:text;not null"`
	AmountKobo    int64        `json:"amount_kobo" gorm:"not null"`
	BalanceAfter  int64        `json:"balance_after" gorm:"not null"`
	Narration     string       `json:"narration" gorm:"type:text"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
}

func (Entry) TableName() string { return "wallet_entries" }

// Service mutates wallet balances inside a caller-supplied database
// transaction so the movement commits or rolls back with the caller's work.
type Service interface {
	Credit(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, transactionID snowflake.ID, amount int64, currency string, narration string) error
	Debit(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, transactionID snowflake.ID, amount int64, currency string, narration string) error
	Balance(ctx context.Context, walletID snowflake.ID) (int64, error)
}
