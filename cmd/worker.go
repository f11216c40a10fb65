package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/config"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/cache"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/messaging"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/metrics"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/outbox"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/repositories"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/search"
	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/services"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the outbox processor that delivers pending domain events to registered handlers`,
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
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		return err
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Wire the handler registry. Every event type a producer emits must have
	// its handlers registered here before the processor starts.
	registry := outbox.NewRegistry()

	registry.Register(models.EventCriteriaExtracted, services.NewSearchIndexHandler(elasticClient))

	cacheInvalidation := services.NewCacheInvalidationHandler(redisCache)
	registry.Register(models.EventProtocolUploaded, cacheInvalidation)
	registry.Register(models.EventCriteriaExtracted, cacheInvalidation)
	registry.Register(models.EventCriteriaGrounded, cacheInvalidation)
	registry.Register(models.EventProtocolDeleted, cacheInvalidation)

	// Optional relay of all events to Azure Service Bus for external
	// subscribers
	if cfg.ServiceBus.Enabled {
		bus, err := messaging.NewServiceBusClient(cfg.ServiceBus)
		if err != nil {
			return err
		}
		defer bus.Close()

		relay := services.NewRelayHandler(bus)
		registry.Register(models.EventProtocolUploaded, relay)
		registry.Register(models.EventCriteriaExtracted, relay)
		registry.Register(models.EventCriteriaGrounded, relay)
		registry.Register(models.EventProtocolDeleted, relay)
	}

	// Initialize the outbox processor
	outboxRepo := repositories.NewOutboxEventRepository(db, readOnlyDB)
	processor := outbox.NewProcessor(outboxRepo, registry, outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		BackoffBase:  cfg.Outbox.BackoffBase,
		BackoffCap:   cfg.Outbox.BackoffCap,
	}, metricsCollector)

	// Run the processor until the context is cancelled
	g.Go(func() error {
		log.Info().Msg("Starting outbox processor")
		processor.Start()

		<-ctx.Done()

		// Stop blocks until the in-flight batch is done, so the database
		// connections are still valid while it drains.
		processor.Stop()
		return nil
	})

	// Start the outbox sweep cron job for operational visibility
	g.Go(func() error {
		log.Info().Msg("Starting outbox sweep job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Outbox.SweepInterval),
			gocron.NewTask(func() {
				counts, err := outboxRepo.CountByStatus(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Failed to count outbox events")
					return
				}

				for status, count := range counts {
					metricsCollector.SetGauge("outbox_events_"+string(status), count)
				}

				if failed := counts[models.OutboxStatusFailed]; failed > 0 {
					log.Warn().
						Int64("failed", failed).
						Msg("Outbox has terminally failed events requiring attention")
				}

				log.Info().
					Int64("pending", counts[models.OutboxStatusPending]).
					Int64("published", counts[models.OutboxStatusPublished]).
					Int64("failed", counts[models.OutboxStatusFailed]).
					Msg("Outbox sweep")
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for all goroutines to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
