package handlers

import (
	"context"
	"encoding/json"
	"time"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type activityPayload struct {
	AccountID    uuid.UUID `json:"account_id"`
	AccountName  string    `json:"account_name"`
	ActivityType string    `json:"activity_type"`
}

// ActivityHandler accumulates activities into the daily per-account metric.
type ActivityHandler struct {
	now func() time.Time
}

// NewActivityHandler creates the handler for activity events.
func NewActivityHandler() *ActivityHandler {
	return &ActivityHandler{now: time.Now}
}

// Handle counts a created activity for its account and kind. Activities not
// tied to an account have nowhere to land and are skipped.
func (h *ActivityHandler) Handle(ctx context.Context, store MetricStore, env *messaging.Envelope) error {
	switch models.EventType(env.EventType) {
	case models.EventEntityCreated:
	case models.EventEntityUpdated, models.EventEntityDeleted:
		return nil
	default:
		return errors.Wrapf(models.ErrUnknownEventType, "activity handler got %q", env.EventType)
	}

	var payload activityPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return errors.Wrap(err, "failed to parse activity payload")
	}
	if payload.AccountID == uuid.Nil {
		return nil
	}

	return store.AddActivity(ctx, h.now(), payload.AccountID, payload.AccountName, payload.ActivityType)
}
