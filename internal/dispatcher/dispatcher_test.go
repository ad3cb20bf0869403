package dispatcher

import (
	"context"
	"testing"
	"time"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/services"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock transport for testing
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Publish(ctx context.Context, env *messaging.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *MockTransport) PublishAfter(ctx context.Context, env *messaging.Envelope, delay time.Duration) error {
	args := m.Called(ctx, env, delay)
	return args.Error(0)
}

func (m *MockTransport) Receive(ctx context.Context, max int) ([]*messaging.Delivery, error) {
	args := m.Called(ctx, max)
	return args.Get(0).([]*messaging.Delivery), args.Error(1)
}

func (m *MockTransport) Acknowledge(ctx context.Context, d *messaging.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockTransport) Abandon(ctx context.Context, d *messaging.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockTransport) DeadLetter(ctx context.Context, d *messaging.Delivery, reason string) error {
	args := m.Called(ctx, d, reason)
	return args.Error(0)
}

func (m *MockTransport) ExtendVisibility(ctx context.Context, d *messaging.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockTransport) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Mock processor for testing
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) ProcessEnvelope(ctx context.Context, env *messaging.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *MockProcessor) DeadLetter(ctx context.Context, env *messaging.Envelope, procErr error) error {
	args := m.Called(ctx, env, procErr)
	return args.Error(0)
}

func newTestDispatcher(transport *MockTransport, processor *MockProcessor) *Dispatcher {
	return New(transport, processor, metrics.NewMetrics(), Options{
		Workers:          1,
		ReceiveBatchSize: 10,
		MaxRetries:       3,
	})
}

func testDelivery(retryCount int) *messaging.Delivery {
	return &messaging.Delivery{
		Envelope: &messaging.Envelope{
			EventID:       uuid.New().String(),
			EventType:     "entity-created",
			AggregateType: "leads",
			AggregateID:   uuid.New(),
			Payload:       []byte(`{"lead_status":"new"}`),
			RetryCount:    retryCount,
		},
	}
}

func TestHandleAcknowledgesOnSuccess(t *testing.T) {
	transport := new(MockTransport)
	processor := new(MockProcessor)
	d := newTestDispatcher(transport, processor)
	delivery := testDelivery(0)

	processor.On("ProcessEnvelope", mock.Anything, delivery.Envelope).Return(nil)
	transport.On("Acknowledge", mock.Anything, delivery).Return(nil)

	d.handle(context.Background(), delivery)

	processor.AssertExpectations(t)
	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "PublishAfter", mock.Anything, mock.Anything, mock.Anything)
	require.Equal(t, int64(1), d.collector.Snapshot().Latency["entity-created"].Count)
}

func TestHandleAcknowledgesDuplicateWithoutRetry(t *testing.T) {
	transport := new(MockTransport)
	processor := new(MockProcessor)
	d := newTestDispatcher(transport, processor)
	delivery := testDelivery(0)

	processor.On("ProcessEnvelope", mock.Anything, delivery.Envelope).Return(services.ErrAlreadyProcessed)
	transport.On("Acknowledge", mock.Anything, delivery).Return(nil)

	d.handle(context.Background(), delivery)

	processor.AssertExpectations(t)
	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "PublishAfter", mock.Anything, mock.Anything, mock.Anything)
	processor.AssertNotCalled(t, "DeadLetter", mock.Anything, mock.Anything, mock.Anything)
	require.Equal(t, int64(1), d.collector.Counter(metrics.CounterDuplicates))
}

func TestHandleSchedulesRetryWithBackoff(t *testing.T) {
	expectedDelays := []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

	for attempt, expectedDelay := range expectedDelays {
		transport := new(MockTransport)
		processor := new(MockProcessor)
		d := newTestDispatcher(transport, processor)
		delivery := testDelivery(attempt)

		processor.On("ProcessEnvelope", mock.Anything, delivery.Envelope).Return(errors.New("handler failed"))
		transport.On("PublishAfter", mock.Anything, mock.AnythingOfType("*messaging.Envelope"), expectedDelay).Return(nil)
		transport.On("Acknowledge", mock.Anything, delivery).Return(nil)

		d.handle(context.Background(), delivery)

		processor.AssertExpectations(t)
		transport.AssertExpectations(t)

		// The rescheduled copy carries the incremented budget; the original
		// envelope is untouched.
		retried := transport.Calls[0].Arguments.Get(1).(*messaging.Envelope)
		require.Equal(t, attempt+1, retried.RetryCount)
		require.Equal(t, delivery.Envelope.EventID, retried.EventID)
		require.Equal(t, attempt, delivery.Envelope.RetryCount)
	}
}

func TestHandleDeadLettersAfterRetryBudget(t *testing.T) {
	transport := new(MockTransport)
	processor := new(MockProcessor)
	d := newTestDispatcher(transport, processor)
	delivery := testDelivery(3)
	procErr := errors.New("handler failed")

	processor.On("ProcessEnvelope", mock.Anything, delivery.Envelope).Return(procErr)
	processor.On("DeadLetter", mock.Anything, delivery.Envelope, procErr).Return(nil)
	transport.On("Acknowledge", mock.Anything, delivery).Return(nil)

	d.handle(context.Background(), delivery)

	processor.AssertExpectations(t)
	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "PublishAfter", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleAbandonsWhenRetryCannotBeScheduled(t *testing.T) {
	transport := new(MockTransport)
	processor := new(MockProcessor)
	d := newTestDispatcher(transport, processor)
	delivery := testDelivery(0)

	processor.On("ProcessEnvelope", mock.Anything, delivery.Envelope).Return(errors.New("handler failed"))
	transport.On("PublishAfter", mock.Anything, mock.AnythingOfType("*messaging.Envelope"), 60*time.Second).Return(errors.New("broker down"))
	transport.On("Abandon", mock.Anything, delivery).Return(nil)

	d.handle(context.Background(), delivery)

	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)
}

func TestHandleAbandonsWhenDeadLetterRecordFails(t *testing.T) {
	transport := new(MockTransport)
	processor := new(MockProcessor)
	d := newTestDispatcher(transport, processor)
	delivery := testDelivery(3)
	procErr := errors.New("handler failed")

	processor.On("ProcessEnvelope", mock.Anything, delivery.Envelope).Return(procErr)
	processor.On("DeadLetter", mock.Anything, delivery.Envelope, procErr).Return(errors.New("db down"))
	transport.On("Abandon", mock.Anything, delivery).Return(nil)

	d.handle(context.Background(), delivery)

	processor.AssertExpectations(t)
	transport.AssertExpectations(t)
	transport.AssertNotCalled(t, "Acknowledge", mock.Anything, mock.Anything)
}

func TestHandleDeadLettersUndecodableBody(t *testing.T) {
	transport := new(MockTransport)
	processor := new(MockProcessor)
	d := newTestDispatcher(transport, processor)
	delivery := &messaging.Delivery{Body: []byte("not json")}

	transport.On("DeadLetter", mock.Anything, delivery, "undecodable message body").Return(nil)

	d.handle(context.Background(), delivery)

	transport.AssertExpectations(t)
	processor.AssertNotCalled(t, "ProcessEnvelope", mock.Anything, mock.Anything)
}
