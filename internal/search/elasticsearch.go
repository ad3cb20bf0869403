package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient indexes dead-lettered events so operators can search them
// by type, error text and time without querying the database.
type ElasticClient struct {
	client  *elasticsearch.Client
	config  config.ElasticConfig
	enabled bool
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{enabled: false}, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client:  client,
		config:  cfg,
		enabled: true,
	}, nil
}

// IndexFailedEvent indexes a dead-letter record. The document id is the
// event id, so a replayed-and-refailed event updates its document in place.
func (c *ElasticClient) IndexFailedEvent(ctx context.Context, record *models.FailedEvent) error {
	if !c.enabled {
		return nil
	}

	log.Info().Str("event_id", record.EventID).Msg("indexing failed event")

	doc := map[string]interface{}{
		"event_id":        record.EventID,
		"event_type":      record.EventType,
		"aggregate_type":  record.AggregateType,
		"aggregate_id":    record.AggregateID.String(),
		"error_message":   record.ErrorMessage,
		"retry_count":     record.RetryCount,
		"first_failed_at": record.FirstFailedAt,
		"last_failed_at":  record.LastFailedAt,
		"indexed_at":      time.Now().UTC(),
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal failed event document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, "failed-events"),
		DocumentID: record.EventID,
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to index failed event")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to index failed event: %s", res.String())
	}
	return nil
}
