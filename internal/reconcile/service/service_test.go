package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/nairaflow/reconciler/internal/audit/domain"
	"github.com/nairaflow/reconciler/internal/clock"
	"github.com/nairaflow/reconciler/internal/observability/metrics"
	reconciledomain "github.com/nairaflow/reconciler/internal/reconcile/domain"
	transactiondomain "github.com/nairaflow/reconciler/internal/transaction/domain"
	transactionrepo "github.com/nairaflow/reconciler/internal/transaction/repository"
	walletservice "github.com/nairaflow/reconciler/internal/wallet/service"
	webhookdomain "github.com/nairaflow/reconciler/internal/webhook/domain"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeNotifier struct {
	calls []string
}

func (f *fakeNotifier) Notify(ctx context.Context, userID snowflake.ID, kind string, title string, body string, data map[string]any) error {
	f.calls = append(f.calls, kind)
	return nil
}

type fakeAuditSvc struct {
	actions []string
}

func (f *fakeAuditSvc) AuditLog(ctx context.Context, actorType string, action string, targetType string, targetID *string, metadata map[string]any) error {
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeAuditSvc) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reconcile_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE transactions (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			wallet_id INTEGER,
			kind TEXT NOT NULL,
			reference TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			amount_kobo INTEGER NOT NULL,
			currency TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE wallets (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			currency TEXT NOT NULL,
			balance_kobo INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE wallet_entries (
			id INTEGER PRIMARY KEY,
			wallet_id INTEGER NOT NULL,
			transaction_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			amount_kobo INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			narration TEXT,
			created_at DATETIME NOT NULL
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}

type harness struct {
	db       *gorm.DB
	svc      reconciledomain.Service
	notifier *fakeNotifier
	audit    *fakeAuditSvc
	clock    *clock.FakeClock
	genID    *snowflake.Node
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDB(t)
	genID, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	log := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	notifier := &fakeNotifier{}
	audit := &fakeAuditSvc{}

	obs, err := metrics.New(metrics.Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	wallets := walletservice.NewService(walletservice.Params{DB: db, Log: log, GenID: genID})

	svc := NewService(Params{
		DB:            db,
		Log:           log,
		Clock:         fc,
		Transactions:  transactionrepo.Provide(),
		Wallets:       wallets,
		Notifications: notifier,
		Audit:         audit,
		Metrics:       obs,
	})

	return &harness{db: db, svc: svc, notifier: notifier, audit: audit, clock: fc, genID: genID}
}

func (h *harness) seedWallet(t *testing.T, userID snowflake.ID, currency string, balance int64) snowflake.ID {
	t.Helper()
	id := h.genID.Generate()
	now := h.clock.Now()
	if err := h.db.Exec(
		`INSERT INTO wallets (id, user_id, currency, balance_kobo, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, currency, balance, now, now,
	).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return id
}

func (h *harness) seedTransaction(t *testing.T, userID, walletID snowflake.ID, kind, reference, status string, amount int64, currency string) snowflake.ID {
	t.Helper()
	id := h.genID.Generate()
	now := h.clock.Now()
	if err := h.db.Exec(
		`INSERT INTO transactions (id, user_id, wallet_id, kind, reference, status, amount_kobo, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, walletID, kind, reference, status, amount, currency, now, now,
	).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return id
}

func (h *harness) transactionStatus(t *testing.T, id snowflake.ID) string {
	t.Helper()
	var status string
	if err := h.db.Raw(`SELECT status FROM transactions WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status
}

func (h *harness) walletBalance(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	var balance int64
	if err := h.db.Raw(`SELECT balance_kobo FROM wallets WHERE id = ?`, id).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func (h *harness) entryCount(t *testing.T, walletID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := h.db.Raw(`SELECT COUNT(*) FROM wallet_entries WHERE wallet_id = ?`, walletID).Scan(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}

func fundingEvent(reference, target string, amount int64) *webhookdomain.Event {
	return &webhookdomain.Event{
		Provider:        webhookdomain.ProviderPaystack,
		ProviderEventID: "charge.success:1",
		Type:            "charge.success",
		Reference:       reference,
		TargetStatus:    target,
		Amount:          amount,
		Currency:        "NGN",
		OccurredAt:      time.Now().UTC(),
	}
}

func TestReconcileFundingCompletedCreditsWallet(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 10000)
	txnID := h.seedTransaction(t, userID, walletID, transactiondomain.KindWalletFunding, "fund_1", transactiondomain.StatusInitiated, 50000, "NGN")

	result, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_1", webhookdomain.TargetStatusCompleted, 50000))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != reconciledomain.OutcomeApplied {
		t.Fatalf("outcome = %q", result.Outcome)
	}
	if got := h.transactionStatus(t, txnID); got != transactiondomain.StatusCompleted {
		t.Fatalf("status = %q", got)
	}
	if got := h.walletBalance(t, walletID); got != 60000 {
		t.Fatalf("balance = %d, want 60000", got)
	}
	if got := h.entryCount(t, walletID); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
	if len(h.notifier.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.calls))
	}
}

func TestReconcileRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 0)
	h.seedTransaction(t, userID, walletID, transactiondomain.KindWalletFunding, "fund_2", transactiondomain.StatusInitiated, 50000, "NGN")

	event := fundingEvent("fund_2", webhookdomain.TargetStatusCompleted, 50000)
	if _, err := h.svc.Reconcile(context.Background(), event); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	result, err := h.svc.Reconcile(context.Background(), event)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if result.Outcome != reconciledomain.OutcomeNoop {
		t.Fatalf("outcome = %q, want noop", result.Outcome)
	}
	if got := h.walletBalance(t, walletID); got != 50000 {
		t.Fatalf("balance credited twice: %d", got)
	}
	if got := h.entryCount(t, walletID); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestReconcileConflictingTerminalTransition(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 0)
	txnID := h.seedTransaction(t, userID, walletID, transactiondomain.KindWalletFunding, "fund_3", transactiondomain.StatusCompleted, 50000, "NGN")

	_, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_3", webhookdomain.TargetStatusFailed, 50000))
	if !errors.Is(err, reconciledomain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if got := h.transactionStatus(t, txnID); got != transactiondomain.StatusCompleted {
		t.Fatalf("terminal status mutated to %q", got)
	}
}

func TestReconcileAmountMismatch(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 0)
	txnID := h.seedTransaction(t, userID, walletID, transactiondomain.KindWalletFunding, "fund_4", transactiondomain.StatusInitiated, 50000, "NGN")

	_, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_4", webhookdomain.TargetStatusCompleted, 99999))
	if !errors.Is(err, reconciledomain.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if got := h.transactionStatus(t, txnID); got != transactiondomain.StatusInitiated {
		t.Fatalf("status = %q, want initiated", got)
	}
	if got := h.walletBalance(t, walletID); got != 0 {
		t.Fatalf("wallet credited on mismatch: %d", got)
	}
}

func TestReconcileUnknownReferenceIsTransient(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_missing", webhookdomain.TargetStatusCompleted, 50000))
	if !errors.Is(err, reconciledomain.ErrReferenceNotFound) {
		t.Fatalf("expected ErrReferenceNotFound, got %v", err)
	}
}

func TestReconcileFailedOrderRefundsWallet(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 1000)
	txnID := h.seedTransaction(t, userID, walletID, transactiondomain.KindVTUOrder, "req_1", transactiondomain.StatusPending, 50000, "NGN")

	event := &webhookdomain.Event{
		Provider:        webhookdomain.ProviderVTPass,
		ProviderEventID: "17268",
		Type:            "transaction-update.reversed",
		Reference:       "req_1",
		TargetStatus:    webhookdomain.TargetStatusFailed,
		Amount:          50000,
		Currency:        "NGN",
	}
	result, err := h.svc.Reconcile(context.Background(), event)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != reconciledomain.OutcomeApplied {
		t.Fatalf("outcome = %q", result.Outcome)
	}
	if got := h.transactionStatus(t, txnID); got != transactiondomain.StatusFailed {
		t.Fatalf("status = %q", got)
	}
	if got := h.walletBalance(t, walletID); got != 51000 {
		t.Fatalf("balance = %d, want 51000", got)
	}
}

func TestReconcileRollsBackStatusWhenCreditFails(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	// Wallet row missing: the credit fails and the status change must
	// roll back with it.
	missingWallet := h.genID.Generate()
	txnID := h.seedTransaction(t, userID, missingWallet, transactiondomain.KindWalletFunding, "fund_5", transactiondomain.StatusInitiated, 50000, "NGN")

	_, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_5", webhookdomain.TargetStatusCompleted, 50000))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := h.transactionStatus(t, txnID); got != transactiondomain.StatusInitiated {
		t.Fatalf("status committed despite failed credit: %q", got)
	}
}

func TestReconcilePendingHop(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 0)
	txnID := h.seedTransaction(t, userID, walletID, transactiondomain.KindWalletFunding, "fund_6", transactiondomain.StatusInitiated, 50000, "NGN")

	if _, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_6", webhookdomain.TargetStatusPending, 50000)); err != nil {
		t.Fatalf("pending hop: %v", err)
	}
	if got := h.transactionStatus(t, txnID); got != transactiondomain.StatusPending {
		t.Fatalf("status = %q", got)
	}
	if got := h.walletBalance(t, walletID); got != 0 {
		t.Fatalf("pending must not move funds: %d", got)
	}

	// Late pending after the terminal state is a conflict.
	if _, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_6", webhookdomain.TargetStatusCompleted, 50000)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := h.svc.Reconcile(context.Background(), fundingEvent("fund_6", webhookdomain.TargetStatusPending, 50000))
	if !errors.Is(err, reconciledomain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}

func TestReconcileConcurrentConflictingEvents(t *testing.T) {
	h := newHarness(t)
	userID := h.genID.Generate()
	walletID := h.seedWallet(t, userID, "NGN", 0)
	txnID := h.seedTransaction(t, userID, walletID, transactiondomain.KindWalletFunding, "fund_race", transactiondomain.StatusPending, 50000, "NGN")

	// Completion and failure race for the same reference. The row lock
	// serializes them: exactly one transition applies, the other finds a
	// terminal state and conflicts.
	events := []*webhookdomain.Event{
		fundingEvent("fund_race", webhookdomain.TargetStatusCompleted, 50000),
		fundingEvent("fund_race", webhookdomain.TargetStatusFailed, 50000),
	}
	results := make([]*reconciledomain.Result, len(events))
	errs := make([]error, len(events))

	var wg sync.WaitGroup
	for i, event := range events {
		wg.Add(1)
		go func(i int, event *webhookdomain.Event) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Reconcile(context.Background(), event)
		}(i, event)
	}
	wg.Wait()

	applied, conflicts := 0, 0
	var winner string
	for i := range events {
		switch {
		case errs[i] == nil:
			if results[i].Outcome != reconciledomain.OutcomeApplied {
				t.Fatalf("outcome[%d] = %q, want applied", i, results[i].Outcome)
			}
			applied++
			winner = results[i].NewStatus
		case errors.Is(errs[i], reconciledomain.ErrStateConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error[%d]: %v", i, errs[i])
		}
	}
	if applied != 1 || conflicts != 1 {
		t.Fatalf("applied = %d, conflicts = %d, want exactly one of each", applied, conflicts)
	}

	if got := h.transactionStatus(t, txnID); got != winner {
		t.Fatalf("status = %q, want winner %q", got, winner)
	}
	switch winner {
	case transactiondomain.StatusCompleted:
		if got := h.walletBalance(t, walletID); got != 50000 {
			t.Fatalf("balance = %d, want 50000", got)
		}
		if got := h.entryCount(t, walletID); got != 1 {
			t.Fatalf("entries = %d, want 1", got)
		}
	case transactiondomain.StatusFailed:
		if got := h.walletBalance(t, walletID); got != 0 {
			t.Fatalf("failed funding moved funds: %d", got)
		}
		if got := h.entryCount(t, walletID); got != 0 {
			t.Fatalf("entries = %d, want 0", got)
		}
	default:
		t.Fatalf("winner %q is not terminal", winner)
	}
}
