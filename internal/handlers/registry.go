// Package handlers contains the aggregation handlers the dispatcher routes
// events to. The registry is a closed set keyed by aggregate type: an event
// for anything else is an error that flows through the normal retry path, so
// upstream schema drift ends up in the failure store instead of vanishing.
package handlers

import (
	"context"
	"time"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MetricStore is the slice of the metric repository the handlers mutate
// through. Implementations apply transactional increments; handlers carry no
// idempotency of their own because the dispatcher's dedup check guarantees
// single application.
type MetricStore interface {
	ApplyLeadFunnel(ctx context.Context, day time.Time, leadStatus string, estimatedValue float64) error
	AddRevenue(ctx context.Context, month time.Time, accountID uuid.UUID, accountName string, contractValue float64) error
	AddActivity(ctx context.Context, day time.Time, accountID uuid.UUID, accountName string, activityType string) error
	UpsertAccountName(ctx context.Context, day time.Time, accountID uuid.UUID, accountName string) error
}

// Handler applies one event's contribution to the analytics rollups.
type Handler interface {
	Handle(ctx context.Context, store MetricStore, env *messaging.Envelope) error
}

// Registry maps aggregate types to their handlers.
type Registry struct {
	handlers map[models.AggregateType]Handler
}

// NewRegistry builds the registry with the full closed set of handlers.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[models.AggregateType]Handler{
			models.AggregateLeads:      NewLeadHandler(),
			models.AggregateAccounts:   NewAccountHandler(),
			models.AggregateProjects:   NewProjectHandler(),
			models.AggregateActivities: NewActivityHandler(),
		},
	}
}

// Handler returns the handler for an aggregate type.
func (r *Registry) Handler(aggregateType models.AggregateType) (Handler, error) {
	h, ok := r.handlers[aggregateType]
	if !ok {
		return nil, errors.Wrapf(models.ErrUnknownAggregateType, "no handler registered for %q", aggregateType)
	}
	return h, nil
}
