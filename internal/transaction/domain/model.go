package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Transaction kinds. Funding kinds credit the wallet on completion; spend
// kinds were debited at initiation and refund on failure.
const (
	KindWalletFunding = "wallet_funding"
	KindVTUOrder      = "vtu_order"
	KindCCTPTransfer  = "cctp_transfer"
	KindEmailDispatch = "email_dispatch"
)

// Transaction statuses.
const (
	StatusInitiated = "initiated"
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrInvalidKind   = errors.New("invalid_transaction_kind")
	ErrInvalidStatus = errors.New("invalid_transaction_status")
)

// Transaction is the local record a provider webhook reconciles against.
type Transaction struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID     snowflake.ID `json:"user_id" gorm:"not null;index"`
	WalletID   snowflake.ID `json:"wallet_id" gorm:"index"`
	Kind       string       `json:"kind" gorm:"type:text;not null"`
	Reference  string       `json:"reference" gorm:"type:text;not null;uniqueIndex"`
	Status     string       `json:"status" gorm:"type:text;not null"`
	AmountKobo int64        `json:"amount_kobo" gorm:"not null"`
	Currency   string       `json:"currency" gorm:"type:text;not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// legalEdges is the transition table. Providers that only notify terminally
// may skip the pending hop, so initiated connects to both terminals.
var legalEdges = map[string]map[string]bool{
	StatusInitiated: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusPending: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal edge. Terminal
// statuses are absorbing.
func CanTransition(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	return legalEdges[from][to]
}

// BalanceEffect captures the wallet mutation a transition implies.
type BalanceEffect int

const (
	EffectNone BalanceEffect = iota
	EffectCredit
	EffectRefund
)

// EffectOf returns the wallet effect of a transaction of the given kind
// reaching the given terminal status.
func EffectOf(kind, target string) BalanceEffect {
	switch kind {
	case KindWalletFunding:
		if target == StatusCompleted {
			return EffectCredit
		}
	case KindVTUOrder, KindCCTPTransfer:
		// Spend kinds debit the wallet up front; a terminal failure
		// returns the funds.
		if target == StatusFailed {
			return EffectRefund
		}
	}
	return EffectNone
}
