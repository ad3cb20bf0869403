package repositories

import (
	"context"
	"time"

	"example.com/crm/services/analytics/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepository provides access to the upstream event_outbox table. The
// pipeline only claims rows and records claim time and publish errors; rows
// are written by the business service's own transactions.
type OutboxRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OutboxRepository {
	return &OutboxRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ClaimBatch selects up to limit unclaimed rows inside tx, oldest first,
// locking them with SKIP LOCKED so concurrent claimers partition the
// unclaimed set instead of racing on the same rows. The lock holds until tx
// commits or rolls back.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, tx *gorm.DB, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("processed_at IS NULL").
		Order("retry_count ASC, created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim outbox batch")
	}
	return events, nil
}

// MarkPublished stamps the claim marker on the given rows within tx.
func (r *OutboxRepository) MarkPublished(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	err := tx.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Update("processed_at", time.Now()).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox events published")
	}
	return nil
}

// RecordPublishFailure bumps the publish attempt counter and stores the last
// error for the given rows. Runs outside the claim transaction: the claim
// itself has already been rolled back, so the rows are unclaimed again.
func (r *OutboxRepository) RecordPublishFailure(ctx context.Context, ids []uuid.UUID, errMsg string) error {
	err := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to record publish failure")
	}
	return nil
}

// CountUnclaimed returns the number of rows waiting to be claimed.
func (r *OutboxRepository) CountUnclaimed(ctx context.Context) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("processed_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count unclaimed outbox events")
	}
	return count, nil
}

// OldestUnclaimedAge returns how long the oldest unclaimed row has been
// waiting, or zero when the outbox is drained.
func (r *OutboxRepository) OldestUnclaimedAge(ctx context.Context) (time.Duration, error) {
	var oldest models.OutboxEvent
	err := r.readOnlyDB.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("created_at ASC").
		First(&oldest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to find oldest unclaimed outbox event")
	}
	return time.Since(oldest.CreatedAt), nil
}

// ProcessedEventRepository provides access to the idempotency records.
type ProcessedEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewProcessedEventRepository creates a new processed event repository
func NewProcessedEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Exists reports whether an event id has already been applied. Reads the
// write database: the check guards correctness, so replica lag is not
// acceptable here.
func (r *ProcessedEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed event")
	}
	return count > 0, nil
}

// Create inserts the idempotency record within tx. The unique constraint on
// event_id makes a concurrent double-apply fail at commit time.
func (r *ProcessedEventRepository) Create(ctx context.Context, tx *gorm.DB, record *models.ProcessedEvent) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(err, "failed to create processed event record")
	}
	return nil
}

// DeleteByEventID removes the idempotency record so a replay can re-admit
// the event. Returns the number of rows removed.
func (r *ProcessedEventRepository) DeleteByEventID(ctx context.Context, eventID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&models.ProcessedEvent{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete processed event record")
	}
	return result.RowsAffected, nil
}

// FailedEventRepository provides access to the dead-letter records.
type FailedEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewFailedEventRepository creates a new failed event repository
func NewFailedEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *FailedEventRepository {
	return &FailedEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// RecordFailure upserts the dead-letter record for an event. A replayed
// event that fails again lands on its existing row: the error context and
// retry count are refreshed, first_failed_at is kept, and the resolution is
// cleared so the record is unresolved again.
func (r *FailedEventRepository) RecordFailure(ctx context.Context, record *models.FailedEvent) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"error_message":  record.ErrorMessage,
				"error_trace":    record.ErrorTrace,
				"retry_count":    record.RetryCount,
				"last_failed_at": time.Now(),
				"resolved_at":    nil,
				"resolved_by":    nil,
			}),
		}).
		Create(record).Error
	if err != nil {
		return errors.Wrap(err, "failed to record failed event")
	}
	return nil
}

// GetUnresolved fetches the unresolved dead-letter record for an event id.
func (r *FailedEventRepository) GetUnresolved(ctx context.Context, eventID string) (*models.FailedEvent, error) {
	var record models.FailedEvent
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND resolved_at IS NULL", eventID).
		First(&record).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get unresolved failed event")
	}
	return &record, nil
}

// ListUnresolved returns unresolved dead-letter records, newest failures
// first, optionally filtered by event type.
func (r *FailedEventRepository) ListUnresolved(ctx context.Context, eventType string, limit int) ([]models.FailedEvent, error) {
	query := r.readOnlyDB.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("first_failed_at DESC").
		Limit(limit)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}

	var records []models.FailedEvent
	if err := query.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list unresolved failed events")
	}
	return records, nil
}

// MarkResolved stamps the resolution on an unresolved record.
func (r *FailedEventRepository) MarkResolved(ctx context.Context, eventID, resolvedBy string) error {
	err := r.db.WithContext(ctx).
		Model(&models.FailedEvent{}).
		Where("event_id = ? AND resolved_at IS NULL", eventID).
		Updates(map[string]interface{}{
			"resolved_at": time.Now(),
			"resolved_by": resolvedBy,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark failed event resolved")
	}
	return nil
}

// CountUnresolved returns the number of unresolved dead-letter records.
func (r *FailedEventRepository) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.FailedEvent{}).
		Where("resolved_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count unresolved failed events")
	}
	return count, nil
}

// MetricRepository applies transactional increments to the analytics
// rollups. Every mutation is an upsert whose update side is a column
// expression, never a read-modify-write at the application layer, so
// concurrent workers serialize on the row without lost updates.
type MetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository creates a new metric repository
func NewMetricRepository(db *gorm.DB) *MetricRepository {
	return &MetricRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *MetricRepository) WithTx(tx *gorm.DB) *MetricRepository {
	return &MetricRepository{db: tx}
}

// IncrementEventCount bumps the per-day counter for an event kind.
func (r *MetricRepository) IncrementEventCount(ctx context.Context, day time.Time, eventType, aggregateType string) error {
	record := models.EventCount{
		ID:            uuid.New(),
		Date:          dateOnly(day),
		EventType:     eventType,
		AggregateType: aggregateType,
		Count:         1,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}, {Name: "event_type"}, {Name: "aggregate_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("event_counts.count + 1"),
				"updated_at": time.Now(),
			}),
		}).
		Create(&record).Error
	if err != nil {
		return errors.Wrap(err, "failed to increment event count")
	}
	return nil
}

// ApplyLeadFunnel accumulates a lead into the day's funnel metric. The
// funnel stage column is chosen by lead status; estimated value always
// accumulates into the day total.
func (r *MetricRepository) ApplyLeadFunnel(ctx context.Context, day time.Time, leadStatus string, estimatedValue float64) error {
	record := models.LeadFunnelMetric{
		ID:                  uuid.New(),
		Date:                dateOnly(day),
		TotalEstimatedValue: estimatedValue,
	}
	assignments := map[string]interface{}{
		"total_estimated_value": gorm.Expr("lead_funnel_metrics.total_estimated_value + ?", estimatedValue),
		"updated_at":            time.Now(),
	}

	switch leadStatus {
	case "new":
		record.NewLeads = 1
		assignments["new_leads"] = gorm.Expr("lead_funnel_metrics.new_leads + 1")
	case "contacted":
		record.ContactedLeads = 1
		assignments["contacted_leads"] = gorm.Expr("lead_funnel_metrics.contacted_leads + 1")
	case "qualified":
		record.QualifiedLeads = 1
		assignments["qualified_leads"] = gorm.Expr("lead_funnel_metrics.qualified_leads + 1")
	case "won":
		record.WonLeads = 1
		record.WonValue = estimatedValue
		assignments["won_leads"] = gorm.Expr("lead_funnel_metrics.won_leads + 1")
		assignments["won_value"] = gorm.Expr("lead_funnel_metrics.won_value + ?", estimatedValue)
	case "lost":
		record.LostLeads = 1
		record.LostValue = estimatedValue
		assignments["lost_leads"] = gorm.Expr("lead_funnel_metrics.lost_leads + 1")
		assignments["lost_value"] = gorm.Expr("lead_funnel_metrics.lost_value + ?", estimatedValue)
	default:
		return errors.Errorf("unknown lead status %q", leadStatus)
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&record).Error
	if err != nil {
		return errors.Wrap(err, "failed to apply lead funnel metric")
	}
	return nil
}

// AddRevenue accumulates a project's contract value into the account's
// monthly revenue metric.
func (r *MetricRepository) AddRevenue(ctx context.Context, month time.Time, accountID uuid.UUID, accountName string, contractValue float64) error {
	record := models.RevenueMetric{
		ID:              uuid.New(),
		Month:           monthStart(month),
		AccountID:       accountID,
		AccountName:     accountName,
		ContractedValue: contractValue,
		ProjectsCount:   1,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "month"}, {Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"contracted_value": gorm.Expr("revenue_metrics.contracted_value + ?", contractValue),
				"projects_count":   gorm.Expr("revenue_metrics.projects_count + 1"),
				"updated_at":       time.Now(),
			}),
		}).
		Create(&record).Error
	if err != nil {
		return errors.Wrap(err, "failed to add revenue metric")
	}
	return nil
}

// AddActivity accumulates an activity into the account's daily metric. The
// per-kind column is chosen by activity type; unknown kinds still count
// toward the total.
func (r *MetricRepository) AddActivity(ctx context.Context, day time.Time, accountID uuid.UUID, accountName string, activityType string) error {
	record := models.DailyAccountMetric{
		ID:              uuid.New(),
		Date:            dateOnly(day),
		AccountID:       accountID,
		AccountName:     accountName,
		TotalActivities: 1,
	}
	assignments := map[string]interface{}{
		"total_activities": gorm.Expr("daily_account_metrics.total_activities + 1"),
		"updated_at":       time.Now(),
	}

	switch activityType {
	case "call":
		record.CallsCount = 1
		assignments["calls_count"] = gorm.Expr("daily_account_metrics.calls_count + 1")
	case "email":
		record.EmailsCount = 1
		assignments["emails_count"] = gorm.Expr("daily_account_metrics.emails_count + 1")
	case "meeting":
		record.MeetingsCount = 1
		assignments["meetings_count"] = gorm.Expr("daily_account_metrics.meetings_count + 1")
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date"}, {Name: "account_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&record).Error
	if err != nil {
		return errors.Wrap(err, "failed to add activity metric")
	}
	return nil
}

// UpsertAccountName keeps the account name dimension current on the day's
// metric row without touching any counters.
func (r *MetricRepository) UpsertAccountName(ctx context.Context, day time.Time, accountID uuid.UUID, accountName string) error {
	record := models.DailyAccountMetric{
		ID:          uuid.New(),
		Date:        dateOnly(day),
		AccountID:   accountID,
		AccountName: accountName,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}, {Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"account_name": accountName,
				"updated_at":   time.Now(),
			}),
		}).
		Create(&record).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert account name")
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
