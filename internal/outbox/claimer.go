// Package outbox claims pending events from the upstream outbox table and
// hands them to the queue transport.
package outbox

import (
	"context"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type claimStore interface {
	ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
	RecordPublishFailure(ctx context.Context, ids []uuid.UUID, errMsg string) error
}

type publisher interface {
	Publish(ctx context.Context, env *messaging.Envelope) error
}

// Claimer runs the claim-and-publish tick. Claim and publish share one
// database transaction: rows are selected with SKIP LOCKED, published while
// the lock is held, and only then marked claimed. A publish failure rolls
// the whole claim back, so the rows surface again on the next tick and no
// event is lost between the outbox and the queue.
type Claimer struct {
	outboxRepo claimStore
	transport  publisher
	collector  *metrics.Metrics
	batchSize  int
	transact   func(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// NewClaimer creates a claimer over the given database and transport.
func NewClaimer(db *gorm.DB, outboxRepo claimStore, transport publisher, collector *metrics.Metrics, batchSize int) *Claimer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Claimer{
		outboxRepo: outboxRepo,
		transport:  transport,
		collector:  collector,
		batchSize:  batchSize,
		transact: func(ctx context.Context, fn func(tx *gorm.DB) error) error {
			return db.WithContext(ctx).Transaction(fn)
		},
	}
}

// ClaimAndPublish runs one tick and returns how many events were handed
// off. Concurrent ticks from other processes partition the unclaimed rows;
// a tick that fails leaves every row it touched unclaimed.
func (c *Claimer) ClaimAndPublish(ctx context.Context) (int, error) {
	var attempted []uuid.UUID
	published := 0

	err := c.transact(ctx, func(tx *gorm.DB) error {
		events, err := c.outboxRepo.ClaimBatch(ctx, tx, c.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		attempted = make([]uuid.UUID, 0, len(events))
		for i := range events {
			attempted = append(attempted, events[i].ID)
		}

		for i := range events {
			env := messaging.NewEnvelope(&events[i])
			if err := c.transport.Publish(ctx, env); err != nil {
				// Rolls back the claim; the rows stay unclaimed.
				return err
			}
		}

		if err := c.outboxRepo.MarkPublished(ctx, tx, attempted); err != nil {
			return err
		}
		published = len(events)
		return nil
	})
	if err != nil {
		if len(attempted) > 0 {
			if recErr := c.outboxRepo.RecordPublishFailure(ctx, attempted, err.Error()); recErr != nil {
				log.Warn().Err(recErr).Msg("Failed to record publish failure on outbox rows")
			}
		}
		return 0, err
	}

	if published > 0 {
		c.collector.IncrementCounterBy(metrics.CounterClaimed, int64(published))
		c.collector.IncrementCounterBy(metrics.CounterPublished, int64(published))
		log.Info().Int("count", published).Msg("Outbox events claimed and published")
	} else {
		log.Debug().Msg("No unclaimed outbox events found")
	}
	return published, nil
}
