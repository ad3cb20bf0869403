package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	appconfig "example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/messaging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// S3Archiver writes one immutable object per event to cold storage. The key
// is deterministic, so re-archiving the same event overwrites the identical
// object and duplicate deliveries cannot fork the archive.
type S3Archiver struct {
	client  *s3.Client
	bucket  string
	enabled bool
	now     func() time.Time
}

type archivedEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	ArchivedAt    time.Time       `json:"archived_at"`
}

// NewS3Archiver creates an archiver for the configured bucket. An empty
// bucket name disables archiving.
func NewS3Archiver(ctx context.Context, cfg appconfig.AWSConfig) (*S3Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return &S3Archiver{enabled: false}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}

	return &S3Archiver{
		client:  s3.NewFromConfig(awsCfg),
		bucket:  cfg.ArchiveBucket,
		enabled: true,
		now:     time.Now,
	}, nil
}

// Archive stores the raw event payload under its date- and type-addressed
// key. Callers treat failures as best-effort: a missing archive object never
// fails the event.
func (a *S3Archiver) Archive(ctx context.Context, env *messaging.Envelope) error {
	if !a.enabled {
		return nil
	}

	doc := archivedEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID.String(),
		Payload:       env.Payload,
		ArchivedAt:    a.now().UTC(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal archived event")
	}

	key := ObjectKey(a.now().UTC(), env.EventType, env.EventID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to archive event %s", env.EventID)
	}
	return nil
}

// ObjectKey builds the archive path for an event. The layout keeps the
// archive browsable by date and event type and replayable without the
// relational stores.
func ObjectKey(t time.Time, eventType, eventID string) string {
	return fmt.Sprintf("events/%04d/%02d/%02d/%s/%s.json", t.Year(), int(t.Month()), t.Day(), eventType, eventID)
}
