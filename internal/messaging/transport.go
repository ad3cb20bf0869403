package messaging

import (
	"context"
	"time"
)

// Delivery is one received message plus the broker-managed attributes the
// pipeline is allowed to read. The handle field is owned by the transport
// implementation.
type Delivery struct {
	Envelope     *Envelope
	Body         []byte
	ReceiveCount uint32
	LockedUntil  *time.Time
	handle       interface{}
}

// Transport abstracts the at-least-once broker the pipeline runs on. The
// only delivery guarantee assumed is that a message is not visible to two
// consumers at once within its lock window; ordering across messages is
// best-effort.
type Transport interface {
	// Publish sends an envelope for immediate delivery.
	Publish(ctx context.Context, env *Envelope) error

	// PublishAfter sends an envelope that becomes visible after the delay.
	// Used for retry scheduling so backoff is enforced by the broker, not
	// by a sleeping worker.
	PublishAfter(ctx context.Context, env *Envelope, delay time.Duration) error

	// Receive blocks up to the transport's poll window and returns at most
	// max deliveries.
	Receive(ctx context.Context, max int) ([]*Delivery, error)

	// Acknowledge completes a delivery so the broker never redelivers it.
	Acknowledge(ctx context.Context, d *Delivery) error

	// Abandon releases a delivery back to the queue for redelivery.
	Abandon(ctx context.Context, d *Delivery) error

	// DeadLetter moves a delivery to the broker's dead-letter channel.
	// Reserved for bodies that cannot be decoded; decodable failures go to
	// the failure store instead.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// ExtendVisibility renews the delivery's lock so a slow handler does
	// not lose the message to redelivery mid-flight.
	ExtendVisibility(ctx context.Context, d *Delivery) error

	Close(ctx context.Context) error
}
