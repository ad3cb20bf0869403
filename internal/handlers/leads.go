package handlers

import (
	"context"
	"encoding/json"
	"time"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/models"

	"github.com/pkg/errors"
)

// leadPayload is the slice of a lead event the funnel metric cares about.
type leadPayload struct {
	LeadStatus     string  `json:"lead_status"`
	EstimatedValue float64 `json:"estimated_value"`
}

// LeadHandler accumulates lead events into the daily funnel metric.
type LeadHandler struct {
	now func() time.Time
}

// NewLeadHandler creates the handler for lead events.
func NewLeadHandler() *LeadHandler {
	return &LeadHandler{now: time.Now}
}

// Handle routes the lead into its funnel stage. Creations and updates both
// count as progression into the payload's current stage; deletions leave the
// funnel untouched since the funnel tracks flow, not population.
func (h *LeadHandler) Handle(ctx context.Context, store MetricStore, env *messaging.Envelope) error {
	switch models.EventType(env.EventType) {
	case models.EventEntityCreated, models.EventEntityUpdated:
	case models.EventEntityDeleted:
		return nil
	default:
		return errors.Wrapf(models.ErrUnknownEventType, "lead handler got %q", env.EventType)
	}

	var payload leadPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return errors.Wrap(err, "failed to parse lead payload")
	}
	if payload.LeadStatus == "" {
		payload.LeadStatus = "new"
	}

	return store.ApplyLeadFunnel(ctx, h.now(), payload.LeadStatus, payload.EstimatedValue)
}
