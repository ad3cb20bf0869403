package handlers

import (
	"context"
	"testing"
	"time"

	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock metric store for testing
type MockMetricStore struct {
	mock.Mock
}

func (m *MockMetricStore) ApplyLeadFunnel(ctx context.Context, day time.Time, leadStatus string, estimatedValue float64) error {
	args := m.Called(ctx, day, leadStatus, estimatedValue)
	return args.Error(0)
}

func (m *MockMetricStore) AddRevenue(ctx context.Context, month time.Time, accountID uuid.UUID, accountName string, contractValue float64) error {
	args := m.Called(ctx, month, accountID, accountName, contractValue)
	return args.Error(0)
}

func (m *MockMetricStore) AddActivity(ctx context.Context, day time.Time, accountID uuid.UUID, accountName string, activityType string) error {
	args := m.Called(ctx, day, accountID, accountName, activityType)
	return args.Error(0)
}

func (m *MockMetricStore) UpsertAccountName(ctx context.Context, day time.Time, accountID uuid.UUID, accountName string) error {
	args := m.Called(ctx, day, accountID, accountName)
	return args.Error(0)
}

var testClock = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func testEnvelope(eventType, aggregateType string, payload string) *messaging.Envelope {
	return &messaging.Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   uuid.New(),
		Payload:       []byte(payload),
	}
}

func TestLeadHandlerAppliesFunnelStage(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewLeadHandler()
	handler.now = func() time.Time { return testClock }
	env := testEnvelope("entity-created", "leads", `{"lead_status":"won","estimated_value":100}`)

	store.On("ApplyLeadFunnel", mock.Anything, testClock, "won", float64(100)).Return(nil)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestLeadHandlerDefaultsMissingStatusToNew(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewLeadHandler()
	handler.now = func() time.Time { return testClock }
	env := testEnvelope("entity-updated", "leads", `{"estimated_value":50.5}`)

	store.On("ApplyLeadFunnel", mock.Anything, testClock, "new", 50.5).Return(nil)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestLeadHandlerIgnoresDeletions(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewLeadHandler()
	env := testEnvelope("entity-deleted", "leads", `{"lead_status":"lost"}`)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertNotCalled(t, "ApplyLeadFunnel", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLeadHandlerRejectsUnknownEventType(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewLeadHandler()
	env := testEnvelope("entity-archived", "leads", `{}`)

	err := handler.Handle(context.Background(), store, env)

	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), models.ErrUnknownEventType)
}

func TestLeadHandlerRejectsMalformedPayload(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewLeadHandler()
	env := testEnvelope("entity-created", "leads", `not json`)

	err := handler.Handle(context.Background(), store, env)

	require.Error(t, err)
	store.AssertNotCalled(t, "ApplyLeadFunnel", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProjectHandlerAddsRevenueOnCreation(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewProjectHandler()
	handler.now = func() time.Time { return testClock }
	accountID := uuid.New()
	env := testEnvelope("entity-created", "projects",
		`{"account_id":"`+accountID.String()+`","account_name":"Globex","contract_value":25000}`)

	store.On("AddRevenue", mock.Anything, testClock, accountID, "Globex", float64(25000)).Return(nil)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestProjectHandlerSkipsUpdatesAndDeletions(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewProjectHandler()

	for _, eventType := range []string{"entity-updated", "entity-deleted"} {
		env := testEnvelope(eventType, "projects", `{"contract_value":25000}`)
		require.NoError(t, handler.Handle(context.Background(), store, env))
	}
	store.AssertNotCalled(t, "AddRevenue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProjectHandlerSkipsProjectsWithoutRevenueSignal(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewProjectHandler()

	// No account, then no contract value.
	for _, payload := range []string{
		`{"contract_value":25000}`,
		`{"account_id":"` + uuid.New().String() + `"}`,
	} {
		env := testEnvelope("entity-created", "projects", payload)
		require.NoError(t, handler.Handle(context.Background(), store, env))
	}
	store.AssertNotCalled(t, "AddRevenue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestActivityHandlerCountsCreatedActivity(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewActivityHandler()
	handler.now = func() time.Time { return testClock }
	accountID := uuid.New()
	env := testEnvelope("entity-created", "activities",
		`{"account_id":"`+accountID.String()+`","account_name":"Globex","activity_type":"call"}`)

	store.On("AddActivity", mock.Anything, testClock, accountID, "Globex", "call").Return(nil)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestActivityHandlerSkipsActivitiesWithoutAccount(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewActivityHandler()
	env := testEnvelope("entity-created", "activities", `{"activity_type":"email"}`)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertNotCalled(t, "AddActivity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAccountHandlerUpsertsName(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewAccountHandler()
	handler.now = func() time.Time { return testClock }
	accountID := uuid.New()
	env := testEnvelope("entity-updated", "accounts",
		`{"account_id":"`+accountID.String()+`","account_name":"Globex Corp"}`)

	store.On("UpsertAccountName", mock.Anything, testClock, accountID, "Globex Corp").Return(nil)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestAccountHandlerIgnoresDeletions(t *testing.T) {
	store := new(MockMetricStore)
	handler := NewAccountHandler()
	env := testEnvelope("entity-deleted", "accounts", `{"account_id":"`+uuid.New().String()+`"}`)

	err := handler.Handle(context.Background(), store, env)

	require.NoError(t, err)
	store.AssertNotCalled(t, "UpsertAccountName", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegistryRoutesAllAggregateTypes(t *testing.T) {
	registry := NewRegistry()

	for _, aggregateType := range []models.AggregateType{
		models.AggregateLeads,
		models.AggregateAccounts,
		models.AggregateProjects,
		models.AggregateActivities,
	} {
		handler, err := registry.Handler(aggregateType)
		require.NoError(t, err)
		require.NotNil(t, handler)
	}
}

func TestRegistryRejectsUnknownAggregateType(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Handler(models.AggregateType("invoices"))

	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), models.ErrUnknownAggregateType)
}
