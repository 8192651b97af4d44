package service

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/nairaflow/reconciler/internal/audit/domain"
	"github.com/nairaflow/reconciler/internal/clock"
	"github.com/nairaflow/reconciler/internal/config"
	"github.com/nairaflow/reconciler/internal/observability/metrics"
	retrydomain "github.com/nairaflow/reconciler/internal/retry/domain"
	"github.com/nairaflow/reconciler/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLen = 500

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    retrydomain.Repository
	Policy  *config.RetryPolicyHolder
	Audit   auditdomain.Service
	Metrics *metrics.Metrics
}

// Service is both the retry scheduler and the dead-letter queue. Backoff
// parameters come from the hot-reloadable retry policy.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    retrydomain.Repository
	policy  *config.RetryPolicyHolder
	audit   auditdomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("retry.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		policy:  p.Policy,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func ProvideScheduler(s *Service) retrydomain.Scheduler { return s }
func ProvideQueue(s *Service) retrydomain.Queue         { return s }

func (s *Service) Schedule(ctx context.Context, eventID snowflake.ID, provider string, reference string, cause error) error {
	if eventID == 0 || cause == nil {
		return retrydomain.ErrDeliveryNotFound
	}

	policy := s.policy.Get()
	kind := retrydomain.Classify(cause)
	errMsg := truncate(cause.Error(), maxErrorLen)
	now := s.clock.Now()

	var deadLettered bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delivery, err := s.repo.FindByEventID(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if delivery == nil {
			delivery = &retrydomain.Delivery{
				ID:        s.genID.Generate(),
				EventID:   eventID,
				Provider:  provider,
				Reference: reference,
				CreatedAt: now,
			}
			delivery.Attempts = 1
			s.applyNextState(delivery, kind, errMsg, policy, now)
			deadLettered = delivery.Status == retrydomain.StatusDeadLettered
			return s.repo.Insert(ctx, tx, delivery)
		}

		// A dead-lettered delivery stays put until an operator requeues it.
		if delivery.Status == retrydomain.StatusDeadLettered {
			return nil
		}

		delivery.Attempts++
		s.applyNextState(delivery, kind, errMsg, policy, now)
		deadLettered = delivery.Status == retrydomain.StatusDeadLettered
		return s.repo.Update(ctx, tx, delivery)
	})
	if err != nil {
		return err
	}

	if deadLettered {
		s.metrics.RecordDeadLetter(ctx, provider, classLabel(kind))
		metrics.Pipeline().IncDeliveryOutcome(provider, retrydomain.StatusDeadLettered)
		eventIDStr := eventID.String()
		_ = s.audit.AuditLog(ctx, auditdomain.ActorTypeSystem, "delivery.dead_lettered", "webhook_event", &eventIDStr, map[string]any{
			"provider":  provider,
			"reference": reference,
			"reason":    errMsg,
			"class":     classLabel(kind),
		})
		s.log.Warn("delivery dead-lettered",
			zap.String("provider", provider),
			zap.String("reference", reference),
			zap.String("reason", errMsg),
		)
	} else {
		metrics.Pipeline().IncDeliveryOutcome(provider, retrydomain.StatusRetryScheduled)
	}
	return nil
}

// applyNextState moves the delivery to retry_scheduled or dead_lettered
// based on the failure class and the attempt budget.
func (s *Service) applyNextState(delivery *retrydomain.Delivery, kind retrydomain.FailureKind, errMsg string, policy config.RetryPolicy, now time.Time) {
	delivery.LastError = &errMsg
	delivery.UpdatedAt = now

	if kind == retrydomain.FailurePermanent || delivery.Attempts >= policy.MaxAttempts {
		delivery.Status = retrydomain.StatusDeadLettered
		delivery.NextAttemptAt = nil
		delivery.DeadLetterReason = &errMsg
		return
	}

	next := now.Add(backoff(delivery.Attempts, policy))
	delivery.Status = retrydomain.StatusRetryScheduled
	delivery.NextAttemptAt = &next
}

func (s *Service) ListDeadLetters(ctx context.Context, req retrydomain.ListDeadLettersRequest) (retrydomain.ListDeadLettersResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	var cursor *retrydomain.DeadLetterCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return retrydomain.ListDeadLettersResponse{}, err
		}
		updatedAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return retrydomain.ListDeadLettersResponse{}, err
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil {
			return retrydomain.ListDeadLettersResponse{}, err
		}
		cursor = &retrydomain.DeadLetterCursor{ID: id, UpdatedAt: updatedAt}
	}

	items, err := s.repo.ListDeadLetters(ctx, s.db, retrydomain.DeadLetterFilter{
		Provider: strings.TrimSpace(req.Provider),
		Cursor:   cursor,
		Limit:    pageSize,
	})
	if err != nil {
		return retrydomain.ListDeadLettersResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *retrydomain.Delivery) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.UpdatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	deliveries := make([]retrydomain.Delivery, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		deliveries = append(deliveries, *item)
	}

	resp := retrydomain.ListDeadLettersResponse{Deliveries: deliveries}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Requeue(ctx context.Context, id snowflake.ID) (*retrydomain.Delivery, error) {
	now := s.clock.Now()

	var requeued *retrydomain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delivery, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if delivery == nil {
			return retrydomain.ErrDeliveryNotFound
		}
		if delivery.Status != retrydomain.StatusDeadLettered {
			return retrydomain.ErrDeliveryNotRequeueable
		}

		delivery.Status = retrydomain.StatusQueued
		delivery.Attempts = 0
		delivery.NextAttemptAt = &now
		delivery.DeadLetterReason = nil
		delivery.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, delivery); err != nil {
			return err
		}
		requeued = delivery
		return nil
	})
	if err != nil {
		return nil, err
	}

	idStr := id.String()
	_ = s.audit.AuditLog(ctx, auditdomain.ActorTypeOperator, "delivery.requeued", "webhook_delivery", &idStr, map[string]any{
		"provider":  requeued.Provider,
		"reference": requeued.Reference,
	})
	return requeued, nil
}

// backoff grows exponentially from the base delay, capped at the max, with
// symmetric jitter so redeliveries from one outage spread out.
func backoff(attempts int, policy config.RetryPolicy) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	jitter := 1 + (rand.Float64()*2-1)*policy.JitterRatio
	return time.Duration(float64(delay) * jitter)
}

func classLabel(kind retrydomain.FailureKind) string {
	if kind == retrydomain.FailurePermanent {
		return "permanent"
	}
	return "transient"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
