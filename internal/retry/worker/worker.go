package worker

import (
	"context"
	"errors"
	"time"

	"github.com/nairaflow/reconciler/internal/clock"
	obsmetrics "github.com/nairaflow/reconciler/internal/observability/metrics"
	retrydomain "github.com/nairaflow/reconciler/internal/retry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid worker configuration")

const jobName = "redeliver_webhooks"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      retrydomain.Repository
	Processor retrydomain.Processor
	Scheduler retrydomain.Scheduler
	Config    Config `optional:"true"`
}

// Worker drains due deliveries and replays them through the ingestion
// pipeline. Multiple workers may run against one database; SKIP LOCKED
// keeps them from fighting over rows.
type Worker struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	repo      retrydomain.Repository
	processor retrydomain.Processor
	scheduler retrydomain.Scheduler
}

func New(p Params) (*Worker, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Processor == nil || p.Scheduler == nil {
		return nil, ErrInvalidConfig
	}
	return &Worker{
		db:        p.DB,
		log:       p.Log.Named("retry.worker"),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		repo:      p.Repo,
		processor: p.Processor,
		scheduler: p.Scheduler,
	}, nil
}

// RunOnce claims one batch of due deliveries and processes it.
func (w *Worker) RunOnce(ctx context.Context) error {
	start := w.clock.Now()
	pipeline := obsmetrics.Pipeline()
	pipeline.IncWorkerRun(jobName)
	defer func() {
		pipeline.ObserveWorkerDuration(jobName, w.clock.Now().Sub(start))
	}()

	// Recovery sweep first: deliveries stuck in_flight past the threshold
	// belong to a dead worker and go back in line before this batch.
	reclaimed, err := w.repo.RequeueStale(ctx, w.db, start.Add(-w.cfg.RecoveryThreshold), start)
	if err != nil {
		pipeline.IncWorkerError(jobName, "recover")
		return err
	}
	if reclaimed > 0 {
		w.log.Warn("requeued stale in-flight deliveries", zap.Int64("count", reclaimed))
	}

	var due []*retrydomain.Delivery
	claimStart := w.clock.Now()
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = w.repo.ClaimDue(ctx, tx, w.clock.Now(), w.cfg.BatchSize)
		return err
	})
	pipeline.ObserveDBLockWait(obsmetrics.LockResourceDueDeliveries, w.clock.Now().Sub(claimStart))
	if err != nil {
		pipeline.IncWorkerError(jobName, "claim")
		return err
	}
	if len(due) == 0 {
		return nil
	}

	var errs error
	for _, delivery := range due {
		if ctx.Err() != nil {
			errs = errors.Join(errs, ctx.Err())
			break
		}
		if err := w.process(ctx, delivery); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (w *Worker) process(parent context.Context, delivery *retrydomain.Delivery) error {
	ctx, cancel := context.WithTimeout(parent, w.cfg.ProcessTimeout)
	defer cancel()

	pipeline := obsmetrics.Pipeline()
	log := w.log.With(
		zap.String("provider", delivery.Provider),
		zap.String("reference", delivery.Reference),
		zap.Int("attempts", delivery.Attempts),
	)

	if err := w.processor.ProcessStored(ctx, delivery.EventID); err != nil {
		log.Warn("redelivery attempt failed", zap.Error(err))
		// Reschedule outside the attempt deadline: when the attempt timed
		// out, ctx is already dead and a Schedule on it would strand the
		// row in_flight.
		if schedErr := w.scheduler.Schedule(context.WithoutCancel(parent), delivery.EventID, delivery.Provider, delivery.Reference, err); schedErr != nil {
			pipeline.IncWorkerError(jobName, "reschedule")
			return schedErr
		}
		return nil
	}

	now := w.clock.Now()
	delivery.Status = retrydomain.StatusSucceeded
	delivery.NextAttemptAt = nil
	delivery.UpdatedAt = now
	if err := w.repo.Update(ctx, w.db, delivery); err != nil {
		pipeline.IncWorkerError(jobName, "finalize")
		return err
	}
	pipeline.IncDeliveryOutcome(delivery.Provider, retrydomain.StatusSucceeded)
	log.Info("redelivery succeeded")
	return nil
}

// RunForever ticks until the context is canceled.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := w.clock.Now().Add(w.cfg.RunInterval)
	pipeline := obsmetrics.Pipeline()

	for {
		runLag := w.clock.Now().Sub(nextRun)
		if runLag > 0 {
			pipeline.ObserveRunLoopLag(runLag)
		}
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("worker run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(w.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
