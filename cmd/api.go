package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/api"
	"example.com/crm/services/analytics/internal/archive"
	"example.com/crm/services/analytics/internal/cache"
	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/models"
	"example.com/crm/services/analytics/internal/search"
	"example.com/crm/services/analytics/internal/services"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the monitoring API server",
	Long:  `Start the HTTP server exposing the pipeline monitoring surface and the dead-letter replay endpoint`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without the dedup fast path")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}

	// Initialize the payload archive
	s3Archiver, err := archive.NewS3Archiver(ctx, cfg.AWS)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize S3 archiver, continuing without archiving")
		s3Archiver, _ = archive.NewS3Archiver(ctx, config.AWSConfig{})
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without failure indexing")
		elasticClient, _ = search.NewElasticClient(config.ElasticConfig{Enabled: false})
	}

	// Initialize metrics
	collector := metrics.NewMetrics()

	// The API needs the transport for replay republishing
	transport, err := messaging.NewServiceBusTransport(cfg.Azure)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to close transport")
		}
	}()

	// Initialize the event service
	eventService := services.NewEventService(db, readOnlyDB, redisCache, s3Archiver, elasticClient, transport, collector, tracer, cfg.Pipeline)

	// Initialize and start the server
	server := api.NewServer(cfg, eventService, collector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, readOnlyDB, nil
}
