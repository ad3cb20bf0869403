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

type accountPayload struct {
	AccountID   uuid.UUID `json:"account_id"`
	AccountName string    `json:"account_name"`
}

// AccountHandler keeps the account name dimension current on the daily
// metric rows.
type AccountHandler struct {
	now func() time.Time
}

// NewAccountHandler creates the handler for account events.
func NewAccountHandler() *AccountHandler {
	return &AccountHandler{now: time.Now}
}

// Handle refreshes the account name on creation or rename. Deletions keep
// the historical rows as they were.
func (h *AccountHandler) Handle(ctx context.Context, store MetricStore, env *messaging.Envelope) error {
	switch models.EventType(env.EventType) {
	case models.EventEntityCreated, models.EventEntityUpdated:
	case models.EventEntityDeleted:
		return nil
	default:
		return errors.Wrapf(models.ErrUnknownEventType, "account handler got %q", env.EventType)
	}

	var payload accountPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return errors.Wrap(err, "failed to parse account payload")
	}
	if payload.AccountID == uuid.Nil || payload.AccountName == "" {
		return nil
	}

	return store.UpsertAccountName(ctx, h.now(), payload.AccountID, payload.AccountName)
}
