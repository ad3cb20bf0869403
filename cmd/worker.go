package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/archive"
	"example.com/crm/services/analytics/internal/cache"
	"example.com/crm/services/analytics/internal/dispatcher"
	"example.com/crm/services/analytics/internal/messaging"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/models"
	"example.com/crm/services/analytics/internal/outbox"
	"example.com/crm/services/analytics/internal/repositories"
	"example.com/crm/services/analytics/internal/search"
	"example.com/crm/services/analytics/internal/services"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the pipeline worker",
	Long:  `Start the background worker that claims outbox events on a schedule and dispatches queue messages into the analytics rollups`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabasesForWorker(cfg)
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

	// Initialize the queue transport
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

	// Start the dispatcher worker pool
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Int("workers", cfg.Pipeline.Workers).Msg("Starting dispatcher workers")
		d := dispatcher.New(transport, eventService, collector, dispatcher.Options{
			Workers:             cfg.Pipeline.Workers,
			ReceiveBatchSize:    cfg.Pipeline.ReceiveBatchSize,
			MaxRetries:          cfg.Pipeline.MaxRetries,
			BackoffSchedule:     cfg.Pipeline.BackoffSchedule,
			LockRenewalInterval: cfg.Pipeline.LockRenewalInterval,
		})
		return d.Run(ctx)
	})

	// Start the outbox claimer on its schedule
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Pipeline.PollInterval).Msg("Starting outbox claimer schedule")

		outboxRepo := repositories.NewOutboxRepository(db, readOnlyDB)
		claimer := outbox.NewClaimer(db, outboxRepo, transport, collector, cfg.Pipeline.BatchSize)

		// Create a scheduler
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Pipeline.PollInterval),
			gocron.NewTask(func() {
				if _, err := claimer.ClaimAndPublish(ctx); err != nil {
					// The tick retries on the next schedule; unclaimed rows
					// are still in the outbox.
					log.Error().Err(err).Msg("Outbox claim tick failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Start the scheduler
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func initDatabasesForWorker(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
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

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}

	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	// Configure read-only connection pool
	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(time.Hour)

	return db, readOnlyDB, nil
}
