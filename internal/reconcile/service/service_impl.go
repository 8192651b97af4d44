package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/nairaflow/reconciler/internal/audit/domain"
	"github.com/nairaflow/reconciler/internal/clock"
	"github.com/nairaflow/reconciler/internal/lock"
	notificationdomain "github.com/nairaflow/reconciler/internal/notification/domain"
	"github.com/nairaflow/reconciler/internal/observability/metrics"
	reconciledomain "github.com/nairaflow/reconciler/internal/reconcile/domain"
	transactiondomain "github.com/nairaflow/reconciler/internal/transaction/domain"
	walletdomain "github.com/nairaflow/reconciler/internal/wallet/domain"
	webhookdomain "github.com/nairaflow/reconciler/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reconcileTimeout = 10 * time.Second

	referenceLockPrefix = "reconcile:ref:"
	referenceLockTTL    = 15 * time.Second
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Transactions  transactiondomain.Repository
	Wallets       walletdomain.Service
	Notifications notificationdomain.Service
	Audit         auditdomain.Service
	Metrics       *metrics.Metrics
	Locker        *lock.Locker `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	transactions  transactiondomain.Repository
	wallets       walletdomain.Service
	notifications notificationdomain.Service
	audit         auditdomain.Service
	metrics       *metrics.Metrics
	locker        *lock.Locker
}

func NewService(p Params) reconciledomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconcile.service"),
		clock:         p.Clock,
		transactions:  p.Transactions,
		wallets:       p.Wallets,
		notifications: p.Notifications,
		audit:         p.Audit,
		metrics:       p.Metrics,
		locker:        p.Locker,
	}
}

// Reconcile applies one normalized provider event to the transaction it
// references. The status change and any balance effect commit in a single
// database transaction; a redelivered event for an already-applied
// transition is a noop.
func (s *Service) Reconcile(ctx context.Context, event *webhookdomain.Event) (*reconciledomain.Result, error) {
	if event == nil {
		return nil, reconciledomain.ErrInvalidEvent
	}
	reference := strings.TrimSpace(event.Reference)
	if reference == "" {
		return nil, reconciledomain.ErrInvalidEvent
	}
	switch event.TargetStatus {
	case webhookdomain.TargetStatusPending, webhookdomain.TargetStatusCompleted, webhookdomain.TargetStatusFailed:
	default:
		return nil, reconciledomain.ErrInvalidEvent
	}

	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	// The database row lock is the correctness boundary; the Redis lock
	// only shortens the wait when several replicas chase one reference.
	if s.locker != nil {
		key := referenceLockPrefix + reference
		token, acquired, err := s.locker.TryLock(ctx, key, referenceLockTTL)
		if err != nil {
			s.log.Warn("reference lock unavailable, falling back to row lock",
				zap.String("reference", reference), zap.Error(err))
		} else if !acquired {
			return nil, reconciledomain.ErrLockUnavailable
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.log.Warn("failed to release reference lock", zap.String("reference", reference), zap.Error(err))
				}
			}()
		}
	}

	var result *reconciledomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := s.clock.Now()
		txn, err := s.transactions.FindByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		metrics.Pipeline().ObserveDBLockWait(metrics.LockResourceTransactionByReference, s.clock.Now().Sub(lockStart))
		if txn == nil {
			return reconciledomain.ErrReferenceNotFound
		}

		if txn.Status == event.TargetStatus {
			result = &reconciledomain.Result{
				Outcome:        reconciledomain.OutcomeNoop,
				TransactionID:  txn.ID,
				UserID:         txn.UserID,
				Kind:           txn.Kind,
				PreviousStatus: txn.Status,
				NewStatus:      txn.Status,
			}
			return nil
		}
		if !transactiondomain.CanTransition(txn.Status, event.TargetStatus) {
			return fmt.Errorf("%w: %s -> %s on %s", reconciledomain.ErrStateConflict, txn.Status, event.TargetStatus, reference)
		}
		if err := s.checkAmount(txn, event); err != nil {
			return err
		}

		now := s.clock.Now()
		if err := s.transactions.UpdateStatus(ctx, tx, txn.ID, event.TargetStatus, now); err != nil {
			return err
		}

		if err := s.applyBalanceEffect(ctx, tx, txn, event.TargetStatus); err != nil {
			return err
		}

		result = &reconciledomain.Result{
			Outcome:        reconciledomain.OutcomeApplied,
			TransactionID:  txn.ID,
			UserID:         txn.UserID,
			Kind:           txn.Kind,
			PreviousStatus: txn.Status,
			NewStatus:      event.TargetStatus,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReconciliation(ctx, event.Provider, string(result.Outcome))
	if result.Outcome == reconciledomain.OutcomeApplied {
		s.afterApply(ctx, event, result)
	}
	return result, nil
}

// checkAmount rejects events whose amount disagrees with the local record.
// Zero-amount events (status-only providers) skip the check.
func (s *Service) checkAmount(txn *transactiondomain.Transaction, event *webhookdomain.Event) error {
	if event.Amount == 0 || txn.Kind == transactiondomain.KindEmailDispatch {
		return nil
	}
	if event.Amount != txn.AmountKobo {
		return fmt.Errorf("%w: event %d vs local %d on %s",
			reconciledomain.ErrAmountMismatch, event.Amount, txn.AmountKobo, txn.Reference)
	}
	if event.Currency != "" && !strings.EqualFold(event.Currency, txn.Currency) {
		return fmt.Errorf("%w: event %s vs local %s on %s",
			reconciledomain.ErrAmountMismatch, event.Currency, txn.Currency, txn.Reference)
	}
	return nil
}

func (s *Service) applyBalanceEffect(ctx context.Context, tx *gorm.DB, txn *transactiondomain.Transaction, target string) error {
	switch transactiondomain.EffectOf(txn.Kind, target) {
	case transactiondomain.EffectCredit:
		return s.wallets.Credit(ctx, tx, txn.WalletID, txn.ID, txn.AmountKobo, txn.Currency,
			fmt.Sprintf("funding %s completed", txn.Reference))
	case transactiondomain.EffectRefund:
		return s.wallets.Credit(ctx, tx, txn.WalletID, txn.ID, txn.AmountKobo, txn.Currency,
			fmt.Sprintf("refund for failed %s", txn.Reference))
	default:
		return nil
	}
}

// afterApply emits the post-commit side effects. Both are best effort; the
// transition has already committed.
func (s *Service) afterApply(ctx context.Context, event *webhookdomain.Event, result *reconciledomain.Result) {
	targetID := result.TransactionID.String()
	_ = s.audit.AuditLog(ctx, auditdomain.ActorTypeSystem, "transaction.reconciled", "transaction", &targetID, map[string]any{
		"provider":          event.Provider,
		"provider_event_id": event.ProviderEventID,
		"kind":              result.Kind,
		"from":              result.PreviousStatus,
		"to":                result.NewStatus,
	})

	kind, title, body, ok := notificationFor(result)
	if !ok {
		return
	}
	if err := s.notifications.Notify(ctx, result.UserID, kind, title, body, map[string]any{
		"transaction_id": targetID,
		"status":         result.NewStatus,
	}); err != nil {
		s.log.Warn("failed to notify user", zap.String("transaction_id", targetID), zap.Error(err))
	}
}

func notificationFor(result *reconciledomain.Result) (kind, title, body string, ok bool) {
	switch result.Kind {
	case transactiondomain.KindWalletFunding:
		if result.NewStatus == transactiondomain.StatusCompleted {
			return notificationdomain.KindWalletCredit, "Wallet funded", "Your wallet funding was successful.", true
		}
		if result.NewStatus == transactiondomain.StatusFailed {
			return notificationdomain.KindTransferUpdate, "Funding failed", "Your wallet funding did not complete.", true
		}
	case transactiondomain.KindVTUOrder:
		if result.NewStatus == transactiondomain.StatusCompleted {
			return notificationdomain.KindOrderDelivered, "Order delivered", "Your order has been delivered.", true
		}
		if result.NewStatus == transactiondomain.StatusFailed {
			return notificationdomain.KindOrderFailed, "Order failed", "Your order failed and the amount has been refunded to your wallet.", true
		}
	case transactiondomain.KindCCTPTransfer:
		if result.NewStatus == transactiondomain.StatusCompleted {
			return notificationdomain.KindTransferUpdate, "Transfer complete", "Your USDC transfer has settled.", true
		}
		if result.NewStatus == transactiondomain.StatusFailed {
			return notificationdomain.KindWalletRefund, "Transfer failed", "Your transfer failed and the amount has been refunded to your wallet.", true
		}
	}
	return "", "", "", false
}
