package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/nairaflow/reconciler/internal/audit/domain"
	"github.com/nairaflow/reconciler/internal/clock"
	"github.com/nairaflow/reconciler/internal/observability/metrics"
	reconciledomain "github.com/nairaflow/reconciler/internal/reconcile/domain"
	retrydomain "github.com/nairaflow/reconciler/internal/retry/domain"
	"github.com/nairaflow/reconciler/internal/webhook/domain"
	"github.com/nairaflow/reconciler/internal/webhook/providers"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *providers.Registry
	Repo       domain.Repository
	Reconciler reconciledomain.Service
	Scheduler  retrydomain.Scheduler
	Audit      auditdomain.Service
	Metrics    *metrics.Metrics
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *providers.Registry
	repo       domain.Repository
	reconciler reconciledomain.Service
	scheduler  retrydomain.Scheduler
	audit      auditdomain.Service
	metrics    *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Registry,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		scheduler:  p.Scheduler,
		audit:      p.Audit,
		metrics:    p.Metrics,
	}
}

func ProvideService(s *Service) domain.Service          { return s }
func ProvideProcessor(s *Service) retrydomain.Processor { return s }

// IngestWebhook runs one inbound delivery through the full pipeline:
// verify, normalize, record, reconcile. A nil return means the delivery is
// acknowledged; transient reconciliation failures are queued for retry
// before acknowledging so the provider never redelivers what we hold.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.registry.Adapter(provider)
	if err != nil {
		return err
	}
	log := s.log.With(zap.String("provider", provider))

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.metrics.RecordWebhookRejected(ctx, provider, "signature")
		_ = s.audit.AuditLog(ctx, auditdomain.ActorTypeProvider, "webhook.rejected", "webhook", nil, map[string]any{
			"provider": provider,
			"reason":   err.Error(),
		})
		log.Warn("webhook signature rejected", zap.Error(err))
		return fmt.Errorf("%w: %s", domain.ErrInvalidSignature, provider)
	}

	event, err := adapter.Normalize(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			log.Debug("webhook event ignored")
			return nil
		}
		s.metrics.RecordWebhookRejected(ctx, provider, "payload")
		log.Warn("webhook payload rejected", zap.Error(err))
		return err
	}
	s.metrics.RecordWebhookReceived(ctx, provider, event.Type)

	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		// Redelivery of an event we already hold. Duplicate means stored,
		// not processed: if the first attempt died before reconciling or
		// queueing, this redelivery is the one that carries it through.
		existing, err := s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if existing == nil || existing.ProcessedAt != nil {
			log.Debug("duplicate webhook event",
				zap.String("provider_event_id", event.ProviderEventID))
			return nil
		}
		log.Info("redelivery of unprocessed event",
			zap.String("provider_event_id", event.ProviderEventID))
		return s.processEvent(ctx, existing.ID, event, true)
	}

	return s.processEvent(ctx, record.ID, event, true)
}

// ProcessStored replays a stored event through normalization and
// reconciliation. The retry worker calls this for due deliveries.
func (s *Service) ProcessStored(ctx context.Context, eventID snowflake.ID) error {
	record, err := s.repo.FindEventByID(ctx, s.db, eventID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: stored event %s not found", domain.ErrInvalidEvent, eventID)
	}
	if record.ProcessedAt != nil {
		return nil
	}

	adapter, err := s.registry.Adapter(record.Provider)
	if err != nil {
		return err
	}
	event, err := adapter.Normalize(ctx, []byte(record.Payload))
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			return s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now())
		}
		return err
	}

	return s.processEvent(ctx, record.ID, event, false)
}

// processEvent reconciles one stored event. On the live path (queueOnFailure)
// a failure is handed to the retry scheduler and swallowed so the HTTP
// response still acknowledges; on the replay path the error propagates to
// the worker, which owns rescheduling.
func (s *Service) processEvent(ctx context.Context, eventID snowflake.ID, event *domain.Event, queueOnFailure bool) error {
	result, err := s.reconciler.Reconcile(ctx, event)
	if err != nil {
		if markErr := s.repo.MarkFailed(ctx, s.db, eventID, err.Error()); markErr != nil {
			s.log.Warn("failed to record processing error", zap.Error(markErr))
		}
		if !queueOnFailure {
			return err
		}
		if schedErr := s.scheduler.Schedule(ctx, eventID, event.Provider, event.Reference, err); schedErr != nil {
			return schedErr
		}
		s.log.Info("webhook event queued for retry",
			zap.String("provider", event.Provider),
			zap.String("reference", event.Reference),
			zap.Error(err),
		)
		return nil
	}

	if err := s.repo.MarkProcessed(ctx, s.db, eventID, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("webhook event reconciled",
		zap.String("provider", event.Provider),
		zap.String("reference", event.Reference),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", result.NewStatus),
	)
	return nil
}
