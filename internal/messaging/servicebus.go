package messaging

import (
	"context"
	"time"

	"example.com/crm/services/analytics/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServiceBusTransport implements Transport on Azure Service Bus. One sender
// and one receiver share a queue; delayed retries use scheduled messages so
// the broker holds the backoff timer.
type ServiceBusTransport struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	receiver  *azservicebus.Receiver
	queueName string
}

// NewServiceBusTransport creates a transport bound to the configured queue.
func NewServiceBusTransport(cfg config.AzureConfig) (*ServiceBusTransport, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &ServiceBusTransport{
		client:    client,
		sender:    sender,
		receiver:  receiver,
		queueName: cfg.QueueName,
	}, nil
}

// Publish sends an envelope for immediate delivery. The broker message id is
// the event id, so brokers with duplicate detection can drop repeats early.
func (t *ServiceBusTransport) Publish(ctx context.Context, env *Envelope) error {
	return t.send(ctx, env, nil)
}

// PublishAfter sends an envelope scheduled to become visible after delay.
func (t *ServiceBusTransport) PublishAfter(ctx context.Context, env *Envelope, delay time.Duration) error {
	enqueueAt := time.Now().UTC().Add(delay)
	return t.send(ctx, env, &enqueueAt)
}

func (t *ServiceBusTransport) send(ctx context.Context, env *Envelope, scheduledAt *time.Time) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	messageID := env.EventID
	msg := &azservicebus.Message{
		Body:      body,
		MessageID: &messageID,
		ApplicationProperties: map[string]interface{}{
			"event_type":     env.EventType,
			"aggregate_type": env.AggregateType,
			"retry_count":    int64(env.RetryCount),
		},
	}
	if scheduledAt != nil {
		msg.ScheduledEnqueueTime = scheduledAt
	}

	if err := t.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send message for event %s", env.EventID)
	}
	return nil
}

// Receive fetches up to max messages and decodes each body. Decode failures
// leave Envelope nil; the dispatcher dead-letters those at the broker.
func (t *ServiceBusTransport) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	messages, err := t.receiver.ReceiveMessages(ctx, max, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive messages")
	}

	deliveries := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		d := &Delivery{
			Body:         msg.Body,
			ReceiveCount: msg.DeliveryCount,
			LockedUntil:  msg.LockedUntil,
			handle:       msg,
		}
		env, err := DecodeEnvelope(msg.Body)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Received undecodable message body")
		} else {
			d.Envelope = env
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Acknowledge completes the delivery at the broker.
func (t *ServiceBusTransport) Acknowledge(ctx context.Context, d *Delivery) error {
	msg, err := t.received(d)
	if err != nil {
		return err
	}
	return t.receiver.CompleteMessage(ctx, msg, nil)
}

// Abandon releases the delivery back to the queue.
func (t *ServiceBusTransport) Abandon(ctx context.Context, d *Delivery) error {
	msg, err := t.received(d)
	if err != nil {
		return err
	}
	return t.receiver.AbandonMessage(ctx, msg, nil)
}

// DeadLetter routes the delivery to the broker dead-letter subqueue.
func (t *ServiceBusTransport) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	msg, err := t.received(d)
	if err != nil {
		return err
	}
	return t.receiver.DeadLetterMessage(ctx, msg, &azservicebus.DeadLetterOptions{
		Reason: &reason,
	})
}

// ExtendVisibility renews the message lock.
func (t *ServiceBusTransport) ExtendVisibility(ctx context.Context, d *Delivery) error {
	msg, err := t.received(d)
	if err != nil {
		return err
	}
	if err := t.receiver.RenewMessageLock(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to renew message lock")
	}
	d.LockedUntil = msg.LockedUntil
	return nil
}

// Close shuts down the sender, receiver and client.
func (t *ServiceBusTransport) Close(ctx context.Context) error {
	if t.sender != nil {
		if err := t.sender.Close(ctx); err != nil {
			return err
		}
	}
	if t.receiver != nil {
		if err := t.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if t.client != nil {
		return t.client.Close(ctx)
	}
	return nil
}

func (t *ServiceBusTransport) received(d *Delivery) (*azservicebus.ReceivedMessage, error) {
	msg, ok := d.handle.(*azservicebus.ReceivedMessage)
	if !ok {
		return nil, errors.New("delivery was not received from this transport")
	}
	return msg, nil
}
