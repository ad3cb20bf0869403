package services

import (
	"context"
	"fmt"
	"time"

	"example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/archive"
	"example.com/crm/services/analytics/internal/cache"
	"example.com/crm/services/analytics/internal/handlers"
	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/models"
	"example.com/crm/services/analytics/internal/repositories"
	"example.com/crm/services/analytics/internal/search"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrAlreadyProcessed signals a duplicate delivery. Duplicates are absorbed,
// not failed: the dispatcher acknowledges and moves on.
var ErrAlreadyProcessed = errors.New("event already processed")

// ErrNoFailedEvent signals a replay request for an event id that has no
// unresolved dead-letter record.
var ErrNoFailedEvent = errors.New("no unresolved failed event")

type processedStore interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Create(ctx context.Context, tx *gorm.DB, record *models.ProcessedEvent) error
	DeleteByEventID(ctx context.Context, eventID string) (int64, error)
}

type failedStore interface {
	RecordFailure(ctx context.Context, record *models.FailedEvent) error
	GetUnresolved(ctx context.Context, eventID string) (*models.FailedEvent, error)
	ListUnresolved(ctx context.Context, eventType string, limit int) ([]models.FailedEvent, error)
	MarkResolved(ctx context.Context, eventID, resolvedBy string) error
	CountUnresolved(ctx context.Context) (int64, error)
}

type outboxStore interface {
	CountUnclaimed(ctx context.Context) (int64, error)
	OldestUnclaimedAge(ctx context.Context) (time.Duration, error)
}

type dedupCache interface {
	IsProcessed(ctx context.Context, eventID string) bool
	MarkProcessed(ctx context.Context, eventID string) error
	ClearProcessed(ctx context.Context, eventID string) error
}

type archiver interface {
	Archive(ctx context.Context, env *messaging.Envelope) error
}

type failureIndex interface {
	IndexFailedEvent(ctx context.Context, record *models.FailedEvent) error
}

type publisher interface {
	Publish(ctx context.Context, env *messaging.Envelope) error
}

// EventService owns the pipeline's write-side semantics: the idempotent
// atomic apply behind the dispatcher, dead-letter recording, replay, and the
// monitoring queries.
type EventService struct {
	db             *gorm.DB
	outboxRepo     outboxStore
	processedRepo  processedStore
	failedRepo     failedStore
	metricRepo     *repositories.MetricRepository
	registry       *handlers.Registry
	archiver       archiver
	cache          dedupCache
	searchClient   failureIndex
	transport      publisher
	collector      *metrics.Metrics
	tracer         tracing.Tracer
	handlerTimeout time.Duration
}

// NewEventService creates a new event service
func NewEventService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	redisCache *cache.RedisCache,
	s3Archiver *archive.S3Archiver,
	elasticClient *search.ElasticClient,
	transport messaging.Transport,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
	cfg config.PipelineConfig,
) *EventService {
	return &EventService{
		db:             db,
		outboxRepo:     repositories.NewOutboxRepository(db, readOnlyDB),
		processedRepo:  repositories.NewProcessedEventRepository(db, readOnlyDB),
		failedRepo:     repositories.NewFailedEventRepository(db, readOnlyDB),
		metricRepo:     repositories.NewMetricRepository(db),
		registry:       handlers.NewRegistry(),
		archiver:       s3Archiver,
		cache:          redisCache,
		searchClient:   elasticClient,
		transport:      transport,
		collector:      collector,
		tracer:         tracer,
		handlerTimeout: cfg.HandlerTimeout,
	}
}

// ProcessEnvelope applies one delivered event. The dedup check runs first:
// an already-processed event id returns ErrAlreadyProcessed without touching
// any aggregate. Otherwise the handler's increments, the raw-payload archive
// and the idempotency record are committed as one unit, bounded by the
// handler wall-clock budget.
func (s *EventService) ProcessEnvelope(ctx context.Context, env *messaging.Envelope) error {
	txn := s.tracer.StartTransaction("process-event")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "event_id", env.EventID)
	s.tracer.AddAttribute(txn, "event_type", env.EventType)

	if !models.EventType(env.EventType).Valid() {
		return errors.Wrapf(models.ErrUnknownEventType, "event %s has type %q", env.EventID, env.EventType)
	}
	handler, err := s.registry.Handler(models.AggregateType(env.AggregateType))
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	// Fast path first, then the authoritative record.
	if s.cache.IsProcessed(ctx, env.EventID) {
		return ErrAlreadyProcessed
	}
	exists, err := s.processedRepo.Exists(ctx, env.EventID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}
	if exists {
		if err := s.cache.MarkProcessed(ctx, env.EventID); err != nil {
			log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to backfill dedup cache")
		}
		return ErrAlreadyProcessed
	}

	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	span := s.tracer.StartSpan("apply-event", txn)
	err = s.apply(ctx, env, handler)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	if err := s.cache.MarkProcessed(ctx, env.EventID); err != nil {
		log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to mark event processed in cache")
	}
	s.collector.IncrementCounter(metrics.CounterProcessed)

	log.Info().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("aggregate_type", env.AggregateType).
		Msg("Event processed successfully")
	return nil
}

// apply runs the atomic unit: event count increment, handler increments,
// best-effort archive, idempotency record. Either the whole unit commits or
// none of it is visible; the unique constraint on processed_events.event_id
// catches the race where two workers apply the same event concurrently.
func (s *EventService) apply(ctx context.Context, env *messaging.Envelope, handler handlers.Handler) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.metricRepo.WithTx(tx)

		if err := store.IncrementEventCount(ctx, time.Now().UTC(), env.EventType, env.AggregateType); err != nil {
			return err
		}
		if err := handler.Handle(ctx, store, env); err != nil {
			return err
		}

		// The archive is addressed by a deterministic key, so a retry after
		// a mid-transaction failure rewrites the same object. Losing it does
		// not lose the event, hence best-effort.
		if err := s.archiver.Archive(ctx, env); err != nil {
			log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to archive event payload")
		}

		return s.processedRepo.Create(ctx, tx, &models.ProcessedEvent{
			EventID:       env.EventID,
			EventType:     env.EventType,
			AggregateType: env.AggregateType,
			AggregateID:   env.AggregateID,
		})
	})
}

// DeadLetter records an event that exhausted its retry budget in the failure
// store and mirrors it into the search index for triage. The caller
// acknowledges the message afterwards: the pipeline's own retry bound is
// authoritative, not the broker's.
func (s *EventService) DeadLetter(ctx context.Context, env *messaging.Envelope, procErr error) error {
	record := &models.FailedEvent{
		ID:            uuid.New(),
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Payload:       []byte(env.Payload),
		ErrorMessage:  procErr.Error(),
		ErrorTrace:    fmt.Sprintf("%+v", procErr),
		RetryCount:    env.RetryCount,
	}

	if err := s.failedRepo.RecordFailure(ctx, record); err != nil {
		return err
	}
	s.collector.IncrementCounter(metrics.CounterDeadLettered)

	if err := s.searchClient.IndexFailedEvent(ctx, record); err != nil {
		log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to index dead-lettered event")
	}

	log.Error().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Int("retry_count", env.RetryCount).
		Str("error", procErr.Error()).
		Msg("Event dead-lettered after exhausting retry budget")
	return nil
}

// ReplayFailedEvent re-admits a dead-lettered event. Only an existing
// unresolved record can be replayed: the idempotency record is removed so
// the event can reprocess, the original payload is republished with a fresh
// retry budget, and the record is marked resolved with the caller's
// identity. The record itself is kept for audit.
func (s *EventService) ReplayFailedEvent(ctx context.Context, eventID, resolvedBy string) error {
	record, err := s.failedRepo.GetUnresolved(ctx, eventID)
	if err != nil {
		if errors.Is(errors.Cause(err), gorm.ErrRecordNotFound) {
			return errors.Wrapf(ErrNoFailedEvent, "event %s", eventID)
		}
		return err
	}

	deleted, err := s.processedRepo.DeleteByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if err := s.cache.ClearProcessed(ctx, eventID); err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to clear dedup cache for replay")
	}

	env := &messaging.Envelope{
		EventID:       record.EventID,
		EventType:     record.EventType,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		Payload:       record.Payload,
		EnqueuedAt:    time.Now().UTC(),
		RetryCount:    0,
	}
	if err := s.transport.Publish(ctx, env); err != nil {
		return errors.Wrapf(err, "failed to republish event %s", eventID)
	}

	if err := s.failedRepo.MarkResolved(ctx, eventID, resolvedBy); err != nil {
		return err
	}
	s.collector.IncrementCounter(metrics.CounterReplayed)

	log.Info().
		Str("event_id", eventID).
		Str("resolved_by", resolvedBy).
		Int64("processed_records_removed", deleted).
		Msg("Failed event replayed")
	return nil
}

// ListUnresolvedFailures returns the unresolved dead-letter records,
// optionally filtered by event type.
func (s *EventService) ListUnresolvedFailures(ctx context.Context, eventType string, limit int) ([]models.FailedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.failedRepo.ListUnresolved(ctx, eventType, limit)
}

// OutboxStatus describes the unclaimed backlog for monitoring.
type OutboxStatus struct {
	UnclaimedCount     int64   `json:"unclaimed_count"`
	OldestUnclaimedSec float64 `json:"oldest_unclaimed_seconds"`
}

// GetOutboxStatus reports the unclaimed backlog.
func (s *EventService) GetOutboxStatus(ctx context.Context) (*OutboxStatus, error) {
	count, err := s.outboxRepo.CountUnclaimed(ctx)
	if err != nil {
		return nil, err
	}
	age, err := s.outboxRepo.OldestUnclaimedAge(ctx)
	if err != nil {
		return nil, err
	}
	return &OutboxStatus{
		UnclaimedCount:     count,
		OldestUnclaimedSec: age.Seconds(),
	}, nil
}

// CountUnresolvedFailures reports the unresolved dead-letter backlog.
func (s *EventService) CountUnresolvedFailures(ctx context.Context) (int64, error) {
	return s.failedRepo.CountUnresolved(ctx)
}
