package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/archive"
	"example.com/crm/services/analytics/internal/cache"
	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/search"
	"example.com/crm/services/analytics/internal/services"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	replayEventID    string
	replayResolvedBy string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a dead-lettered event",
	Long:  `Resubmit a dead-lettered event to the queue and mark its failure record resolved`,
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayEventID, "event-id", "", "event id to replay")
	replayCmd.Flags().StringVar(&replayResolvedBy, "resolved-by", "manual_replay", "resolver identity recorded on the failure")
	_ = replayCmd.MarkFlagRequired("event-id")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Replay needs the transport to republish and the cache to drop the
	// stale dedup entry; archiving and search stay disabled for a one-shot
	// command.
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without the dedup fast path")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}
	s3Archiver, _ := archive.NewS3Archiver(ctx, config.AWSConfig{})
	elasticClient, _ := search.NewElasticClient(config.ElasticConfig{Enabled: false})

	tracer, err := tracing.NewTracer(config.TracingConfig{})
	if err != nil {
		return err
	}

	transport, err := messaging.NewServiceBusTransport(cfg.Azure)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to close transport")
		}
	}()

	collector := metrics.NewMetrics()
	eventService := services.NewEventService(db, readOnlyDB, redisCache, s3Archiver, elasticClient, transport, collector, tracer, cfg.Pipeline)

	if err := eventService.ReplayFailedEvent(ctx, replayEventID, replayResolvedBy); err != nil {
		if errors.Is(err, services.ErrNoFailedEvent) {
			log.Error().Str("event_id", replayEventID).Msg("No unresolved failed event for id")
			return err
		}
		return err
	}

	log.Info().Str("event_id", replayEventID).Msg("Event replayed")
	return nil
}
