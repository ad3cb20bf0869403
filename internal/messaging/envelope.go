package messaging

import (
	"encoding/json"
	"time"

	"example.com/crm/services/analytics/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Envelope is the queue message body. EventID is stable across redeliveries
// and scheduled retries; RetryCount travels with the message so the retry
// budget survives process restarts.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
}

// NewEnvelope builds an envelope from a claimed outbox row.
func NewEnvelope(event *models.OutboxEvent) *Envelope {
	return &Envelope{
		EventID:       event.EventID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       json.RawMessage(event.Payload),
		EnqueuedAt:    time.Now().UTC(),
		RetryCount:    0,
	}
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal envelope")
	}
	return data, nil
}

// DecodeEnvelope parses a message body into an envelope. A body that does
// not decode has no usable event identity, so the caller routes it to the
// broker dead-letter channel instead of the failure store.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal envelope")
	}
	if env.EventID == "" {
		return nil, errors.New("envelope missing event_id")
	}
	return &env, nil
}
