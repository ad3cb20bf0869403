package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventType identifies what happened to a business entity. The set is
// closed: an event carrying anything else is a permanent failure, not a
// silent no-op, so schema drift upstream surfaces in the failure store.
type EventType string

const (
	EventEntityCreated EventType = "entity-created"
	EventEntityUpdated EventType = "entity-updated"
	EventEntityDeleted EventType = "entity-deleted"
)

// AggregateType identifies the kind of business entity an event belongs to.
type AggregateType string

const (
	AggregateLeads      AggregateType = "leads"
	AggregateAccounts   AggregateType = "accounts"
	AggregateProjects   AggregateType = "projects"
	AggregateActivities AggregateType = "activities"
)

// ErrUnknownEventType is returned when an envelope carries an event type
// outside the closed set.
var ErrUnknownEventType = errors.New("unknown event type")

// ErrUnknownAggregateType is returned when no handler is registered for an
// envelope's aggregate type.
var ErrUnknownAggregateType = errors.New("unknown aggregate type")

// Valid reports whether the event type is part of the closed set.
func (t EventType) Valid() bool {
	switch t {
	case EventEntityCreated, EventEntityUpdated, EventEntityDeleted:
		return true
	}
	return false
}

// Valid reports whether the aggregate type is part of the closed set.
func (t AggregateType) Valid() bool {
	switch t {
	case AggregateLeads, AggregateAccounts, AggregateProjects, AggregateActivities:
		return true
	}
	return false
}

// OutboxEvent is a row in the event_outbox table. The table is written by
// upstream business transactions; the pipeline only claims rows and records
// claim time and publish errors. EventID is the idempotency key for the
// whole pipeline and never changes across redeliveries.
type OutboxEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EventID       string         `gorm:"not null;uniqueIndex" json:"event_id"`
	EventType     string         `gorm:"not null" json:"event_type"`
	AggregateType string         `gorm:"not null" json:"aggregate_type"`
	AggregateID   uuid.UUID      `gorm:"type:uuid;not null" json:"aggregate_id"`
	Payload       []byte         `gorm:"type:jsonb" json:"payload"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	ProcessedAt   *time.Time     `gorm:"index" json:"processed_at"`
	RetryCount    int            `gorm:"not null;default:0" json:"retry_count"`
	LastError     *string        `json:"last_error"`
}

// TableName keeps the upstream table name
func (OutboxEvent) TableName() string {
	return "event_outbox"
}

// ProcessedEvent records that an event has been applied. Insertion is
// unique-constrained on event_id and happens in the same transaction as the
// aggregation effects, so a duplicate delivery can never re-apply them.
type ProcessedEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventID       string    `gorm:"not null;uniqueIndex" json:"event_id"`
	EventType     string    `gorm:"not null" json:"event_type"`
	AggregateType string    `gorm:"not null" json:"aggregate_type"`
	AggregateID   uuid.UUID `gorm:"type:uuid;not null;index:idx_processed_aggregate" json:"aggregate_id"`
	ProcessedAt   time.Time `gorm:"autoCreateTime;index" json:"processed_at"`
}

// TableName overrides the table name
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// FailedEvent is the dead-letter record for an event that exhausted its
// retry budget. While ResolvedAt is null the event counts as unresolved and
// is visible to monitoring; replay marks it resolved rather than deleting it
// so the audit history survives.
type FailedEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EventID       string         `gorm:"not null;uniqueIndex" json:"event_id"`
	EventType     string         `gorm:"not null;index" json:"event_type"`
	AggregateType string         `gorm:"not null" json:"aggregate_type"`
	AggregateID   uuid.UUID      `gorm:"type:uuid;not null" json:"aggregate_id"`
	Payload       []byte         `gorm:"type:jsonb" json:"payload"`
	ErrorMessage  string         `gorm:"not null" json:"error_message"`
	ErrorTrace    string         `json:"error_trace"`
	RetryCount    int            `gorm:"not null" json:"retry_count"`
	FirstFailedAt time.Time      `gorm:"autoCreateTime;index" json:"first_failed_at"`
	LastFailedAt  time.Time      `gorm:"autoUpdateTime" json:"last_failed_at"`
	ResolvedAt    *time.Time     `gorm:"index" json:"resolved_at"`
	ResolvedBy    *string        `json:"resolved_by"`
}

// TableName overrides the table name
func (FailedEvent) TableName() string {
	return "failed_events"
}

// LeadFunnelMetric is a daily rollup of lead progression through the sales
// funnel. One row per day; all counters and values are accumulated with
// transactional increments.
type LeadFunnelMetric struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Date                time.Time `gorm:"type:date;not null;uniqueIndex" json:"date"`
	NewLeads            int       `gorm:"not null;default:0" json:"new_leads"`
	ContactedLeads      int       `gorm:"not null;default:0" json:"contacted_leads"`
	QualifiedLeads      int       `gorm:"not null;default:0" json:"qualified_leads"`
	WonLeads            int       `gorm:"not null;default:0" json:"won_leads"`
	LostLeads           int       `gorm:"not null;default:0" json:"lost_leads"`
	TotalEstimatedValue float64   `gorm:"type:numeric(12,2);not null;default:0" json:"total_estimated_value"`
	WonValue            float64   `gorm:"type:numeric(12,2);not null;default:0" json:"won_value"`
	LostValue           float64   `gorm:"type:numeric(12,2);not null;default:0" json:"lost_value"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name
func (LeadFunnelMetric) TableName() string {
	return "lead_funnel_metrics"
}

// RevenueMetric is a monthly rollup of contracted revenue per account.
// Month is stored as the first day of the month.
type RevenueMetric struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Month           time.Time `gorm:"type:date;not null;uniqueIndex:idx_revenue_month_account" json:"month"`
	AccountID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_revenue_month_account" json:"account_id"`
	AccountName     string    `json:"account_name"`
	ContractedValue float64   `gorm:"type:numeric(12,2);not null;default:0" json:"contracted_value"`
	ProjectsCount   int       `gorm:"not null;default:0" json:"projects_count"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name
func (RevenueMetric) TableName() string {
	return "revenue_metrics"
}

// DailyAccountMetric is a daily rollup of account-level activity.
type DailyAccountMetric struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Date            time.Time `gorm:"type:date;not null;uniqueIndex:idx_daily_account" json:"date"`
	AccountID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_daily_account" json:"account_id"`
	AccountName     string    `json:"account_name"`
	TotalActivities int       `gorm:"not null;default:0" json:"total_activities"`
	CallsCount      int       `gorm:"not null;default:0" json:"calls_count"`
	EmailsCount     int       `gorm:"not null;default:0" json:"emails_count"`
	MeetingsCount   int       `gorm:"not null;default:0" json:"meetings_count"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name
func (DailyAccountMetric) TableName() string {
	return "daily_account_metrics"
}

// EventCount tracks how many events of each kind were processed per day.
type EventCount struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Date          time.Time `gorm:"type:date;not null;uniqueIndex:idx_event_count" json:"date"`
	EventType     string    `gorm:"not null;uniqueIndex:idx_event_count" json:"event_type"`
	AggregateType string    `gorm:"not null;uniqueIndex:idx_event_count" json:"aggregate_type"`
	Count         int       `gorm:"not null;default:0" json:"count"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName overrides the table name
func (EventCount) TableName() string {
	return "event_counts"
}

// SetupModels runs migrations for the tables the pipeline owns. The
// event_outbox table belongs to the upstream business service, which writes
// outbox rows in the same transaction as the mutation they describe; it is
// migrated here as well so local environments work out of the box.
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&OutboxEvent{},
		&ProcessedEvent{},
		&FailedEvent{},
		&LeadFunnelMetric{},
		&RevenueMetric{},
		&DailyAccountMetric{},
		&EventCount{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to migrate models")
	}
	return nil
}
