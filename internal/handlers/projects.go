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

type projectPayload struct {
	AccountID     uuid.UUID `json:"account_id"`
	AccountName   string    `json:"account_name"`
	ContractValue float64   `json:"contract_value"`
}

// ProjectHandler accumulates project contract values into the monthly
// revenue metric per account.
type ProjectHandler struct {
	now func() time.Time
}

// NewProjectHandler creates the handler for project events.
func NewProjectHandler() *ProjectHandler {
	return &ProjectHandler{now: time.Now}
}

// Handle adds a created project's contract value to the account's month. A
// project without an account or value carries no revenue signal and is a
// no-op, as are updates and deletions: contracted value accumulates at
// signing and is never clawed back by the rollup.
func (h *ProjectHandler) Handle(ctx context.Context, store MetricStore, env *messaging.Envelope) error {
	switch models.EventType(env.EventType) {
	case models.EventEntityCreated:
	case models.EventEntityUpdated, models.EventEntityDeleted:
		return nil
	default:
		return errors.Wrapf(models.ErrUnknownEventType, "project handler got %q", env.EventType)
	}

	var payload projectPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return errors.Wrap(err, "failed to parse project payload")
	}
	if payload.AccountID == uuid.Nil || payload.ContractValue == 0 {
		return nil
	}

	return store.AddRevenue(ctx, h.now(), payload.AccountID, payload.AccountName, payload.ContractValue)
}
