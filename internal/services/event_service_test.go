package services

import (
	"context"
	"testing"

	"example.com/crm/services/analytics/internal/handlers"
	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/models"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// Mock repositories for testing
type MockProcessedEventRepository struct {
	mock.Mock
}

func (m *MockProcessedEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockProcessedEventRepository) Create(ctx context.Context, tx *gorm.DB, record *models.ProcessedEvent) error {
	args := m.Called(ctx, tx, record)
	return args.Error(0)
}

func (m *MockProcessedEventRepository) DeleteByEventID(ctx context.Context, eventID string) (int64, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(int64), args.Error(1)
}

type MockFailedEventRepository struct {
	mock.Mock
}

func (m *MockFailedEventRepository) RecordFailure(ctx context.Context, record *models.FailedEvent) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockFailedEventRepository) GetUnresolved(ctx context.Context, eventID string) (*models.FailedEvent, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FailedEvent), args.Error(1)
}

func (m *MockFailedEventRepository) ListUnresolved(ctx context.Context, eventType string, limit int) ([]models.FailedEvent, error) {
	args := m.Called(ctx, eventType, limit)
	return args.Get(0).([]models.FailedEvent), args.Error(1)
}

func (m *MockFailedEventRepository) MarkResolved(ctx context.Context, eventID, resolvedBy string) error {
	args := m.Called(ctx, eventID, resolvedBy)
	return args.Error(0)
}

func (m *MockFailedEventRepository) CountUnresolved(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockDedupCache struct {
	mock.Mock
}

func (m *MockDedupCache) IsProcessed(ctx context.Context, eventID string) bool {
	args := m.Called(ctx, eventID)
	return args.Bool(0)
}

func (m *MockDedupCache) MarkProcessed(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockDedupCache) ClearProcessed(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

type MockFailureIndex struct {
	mock.Mock
}

func (m *MockFailureIndex) IndexFailedEvent(ctx context.Context, record *models.FailedEvent) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, env *messaging.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func testEnvelope() *messaging.Envelope {
	return &messaging.Envelope{
		EventID:       uuid.New().String(),
		EventType:     "entity-created",
		AggregateType: "leads",
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"lead_status":"new"}`),
	}
}

func TestProcessEnvelopeRejectsUnknownEventType(t *testing.T) {
	service := &EventService{
		registry:  handlers.NewRegistry(),
		collector: metrics.NewMetrics(),
		tracer:    &tracing.NewRelicTracer{},
	}
	env := testEnvelope()
	env.EventType = "entity-archived"

	err := service.ProcessEnvelope(context.Background(), env)

	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), models.ErrUnknownEventType)
}

func TestProcessEnvelopeRejectsUnknownAggregateType(t *testing.T) {
	service := &EventService{
		registry:  handlers.NewRegistry(),
		collector: metrics.NewMetrics(),
		tracer:    &tracing.NewRelicTracer{},
	}
	env := testEnvelope()
	env.AggregateType = "invoices"

	err := service.ProcessEnvelope(context.Background(), env)

	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), models.ErrUnknownAggregateType)
}

func TestProcessEnvelopeShortCircuitsOnCacheHit(t *testing.T) {
	mockCache := new(MockDedupCache)
	mockProcessed := new(MockProcessedEventRepository)
	service := &EventService{
		registry:      handlers.NewRegistry(),
		processedRepo: mockProcessed,
		cache:         mockCache,
		collector:     metrics.NewMetrics(),
		tracer:        &tracing.NewRelicTracer{},
	}
	env := testEnvelope()

	mockCache.On("IsProcessed", mock.Anything, env.EventID).Return(true)

	err := service.ProcessEnvelope(context.Background(), env)

	require.ErrorIs(t, err, ErrAlreadyProcessed)
	// The authoritative store is never consulted on a cache hit.
	mockProcessed.AssertNotCalled(t, "Exists", mock.Anything, mock.Anything)
}

func TestProcessEnvelopeBackfillsCacheOnStoreHit(t *testing.T) {
	mockCache := new(MockDedupCache)
	mockProcessed := new(MockProcessedEventRepository)
	service := &EventService{
		registry:      handlers.NewRegistry(),
		processedRepo: mockProcessed,
		cache:         mockCache,
		collector:     metrics.NewMetrics(),
		tracer:        &tracing.NewRelicTracer{},
	}
	env := testEnvelope()

	mockCache.On("IsProcessed", mock.Anything, env.EventID).Return(false)
	mockProcessed.On("Exists", mock.Anything, env.EventID).Return(true, nil)
	mockCache.On("MarkProcessed", mock.Anything, env.EventID).Return(nil)

	err := service.ProcessEnvelope(context.Background(), env)

	require.ErrorIs(t, err, ErrAlreadyProcessed)
	mockCache.AssertExpectations(t)
	mockProcessed.AssertExpectations(t)
}

func TestDeadLetterRecordsFailureAndIndexes(t *testing.T) {
	mockFailed := new(MockFailedEventRepository)
	mockIndex := new(MockFailureIndex)
	service := &EventService{
		failedRepo:   mockFailed,
		searchClient: mockIndex,
		collector:    metrics.NewMetrics(),
	}
	env := testEnvelope()
	env.RetryCount = 3
	procErr := errors.New("handler failed")

	mockFailed.On("RecordFailure", mock.Anything, mock.AnythingOfType("*models.FailedEvent")).Return(nil)
	mockIndex.On("IndexFailedEvent", mock.Anything, mock.AnythingOfType("*models.FailedEvent")).Return(nil)

	err := service.DeadLetter(context.Background(), env, procErr)

	require.NoError(t, err)
	mockFailed.AssertExpectations(t)
	mockIndex.AssertExpectations(t)
	require.Equal(t, int64(1), service.collector.Counter(metrics.CounterDeadLettered))

	record := mockFailed.Calls[0].Arguments.Get(1).(*models.FailedEvent)
	require.Equal(t, env.EventID, record.EventID)
	require.Equal(t, 3, record.RetryCount)
	require.Equal(t, "handler failed", record.ErrorMessage)
	require.Nil(t, record.ResolvedAt)
}

func TestDeadLetterSurvivesIndexFailure(t *testing.T) {
	mockFailed := new(MockFailedEventRepository)
	mockIndex := new(MockFailureIndex)
	service := &EventService{
		failedRepo:   mockFailed,
		searchClient: mockIndex,
		collector:    metrics.NewMetrics(),
	}
	env := testEnvelope()

	mockFailed.On("RecordFailure", mock.Anything, mock.AnythingOfType("*models.FailedEvent")).Return(nil)
	mockIndex.On("IndexFailedEvent", mock.Anything, mock.AnythingOfType("*models.FailedEvent")).Return(errors.New("elasticsearch down"))

	err := service.DeadLetter(context.Background(), env, errors.New("handler failed"))

	// The relational record is authoritative; the index is best-effort.
	require.NoError(t, err)
}

func TestReplayFailedEventRepublishesWithFreshBudget(t *testing.T) {
	mockFailed := new(MockFailedEventRepository)
	mockProcessed := new(MockProcessedEventRepository)
	mockCache := new(MockDedupCache)
	mockTransport := new(MockPublisher)
	service := &EventService{
		failedRepo:    mockFailed,
		processedRepo: mockProcessed,
		cache:         mockCache,
		transport:     mockTransport,
		collector:     metrics.NewMetrics(),
	}

	record := &models.FailedEvent{
		ID:            uuid.New(),
		EventID:       uuid.New().String(),
		EventType:     "entity-created",
		AggregateType: "leads",
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"lead_status":"won"}`),
		RetryCount:    3,
	}

	mockFailed.On("GetUnresolved", mock.Anything, record.EventID).Return(record, nil)
	mockProcessed.On("DeleteByEventID", mock.Anything, record.EventID).Return(int64(1), nil)
	mockCache.On("ClearProcessed", mock.Anything, record.EventID).Return(nil)
	mockTransport.On("Publish", mock.Anything, mock.AnythingOfType("*messaging.Envelope")).Return(nil)
	mockFailed.On("MarkResolved", mock.Anything, record.EventID, "ops_team").Return(nil)

	err := service.ReplayFailedEvent(context.Background(), record.EventID, "ops_team")

	require.NoError(t, err)
	mockFailed.AssertExpectations(t)
	mockProcessed.AssertExpectations(t)
	mockCache.AssertExpectations(t)
	mockTransport.AssertExpectations(t)
	require.Equal(t, int64(1), service.collector.Counter(metrics.CounterReplayed))

	env := mockTransport.Calls[0].Arguments.Get(1).(*messaging.Envelope)
	require.Equal(t, record.EventID, env.EventID)
	require.Equal(t, 0, env.RetryCount)
	require.JSONEq(t, string(record.Payload), string(env.Payload))
}

func TestReplayFailedEventRequiresUnresolvedRecord(t *testing.T) {
	mockFailed := new(MockFailedEventRepository)
	mockProcessed := new(MockProcessedEventRepository)
	service := &EventService{
		failedRepo:    mockFailed,
		processedRepo: mockProcessed,
		collector:     metrics.NewMetrics(),
	}
	eventID := uuid.New().String()

	mockFailed.On("GetUnresolved", mock.Anything, eventID).Return(nil, gorm.ErrRecordNotFound)

	err := service.ReplayFailedEvent(context.Background(), eventID, "ops_team")

	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), ErrNoFailedEvent)
	mockProcessed.AssertNotCalled(t, "DeleteByEventID", mock.Anything, mock.Anything)
}

func TestReplayFailedEventStopsWhenRepublishFails(t *testing.T) {
	mockFailed := new(MockFailedEventRepository)
	mockProcessed := new(MockProcessedEventRepository)
	mockCache := new(MockDedupCache)
	mockTransport := new(MockPublisher)
	service := &EventService{
		failedRepo:    mockFailed,
		processedRepo: mockProcessed,
		cache:         mockCache,
		transport:     mockTransport,
		collector:     metrics.NewMetrics(),
	}
	record := &models.FailedEvent{EventID: uuid.New().String(), EventType: "entity-created", AggregateType: "leads"}

	mockFailed.On("GetUnresolved", mock.Anything, record.EventID).Return(record, nil)
	mockProcessed.On("DeleteByEventID", mock.Anything, record.EventID).Return(int64(0), nil)
	mockCache.On("ClearProcessed", mock.Anything, record.EventID).Return(nil)
	mockTransport.On("Publish", mock.Anything, mock.AnythingOfType("*messaging.Envelope")).Return(errors.New("queue unavailable"))

	err := service.ReplayFailedEvent(context.Background(), record.EventID, "ops_team")

	require.Error(t, err)
	// The record stays unresolved so the replay can be retried.
	mockFailed.AssertNotCalled(t, "MarkResolved", mock.Anything, mock.Anything, mock.Anything)
}

func TestListUnresolvedFailuresClampsLimit(t *testing.T) {
	mockFailed := new(MockFailedEventRepository)
	service := &EventService{failedRepo: mockFailed}

	mockFailed.On("ListUnresolved", mock.Anything, "", 100).Return([]models.FailedEvent{}, nil)

	_, err := service.ListUnresolvedFailures(context.Background(), "", 0)
	require.NoError(t, err)

	_, err = service.ListUnresolvedFailures(context.Background(), "", 10000)
	require.NoError(t, err)

	mockFailed.AssertNumberOfCalls(t, "ListUnresolved", 2)
}
