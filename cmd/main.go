/**
 * @description
 * This is the main entry point for the payout-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/payrailclient: Client for the Payrail payments API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/royaltybase/payout-service/internal/api"
	"github.com/royaltybase/payout-service/internal/app"
	"github.com/royaltybase/payout-service/internal/config"
	"github.com/royaltybase/payout-service/internal/domain"
	"github.com/royaltybase/payout-service/internal/store"
	"github.com/royaltybase/payout-service/pkg/payrailclient"
	rmrabbit "github.com/royaltybase/payout-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for notification events.
	var notifier app.Notifier = app.NopNotifier{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; notifications disabled\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		notifier = app.NewRabbitMQNotifier(rabbitProducer, cfg.EventExchange)
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the Payrail payments API.
	payrailClient := payrailclient.NewClient(cfg.PayrailAPIBaseURL, cfg.PayrailAPIKey)

	// Redis backs the retry endpoint's rate limiting; its absence degrades
	// the limiter, not the service.
	var redisClient *redis.Client
	if cfg.RetryRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; retry rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; retry rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; retry rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	payoutService := app.NewService(
		repository,
		payrailClient,
		notifier,
		app.TransferSettings{
			Timeout:      time.Duration(cfg.TransferTimeoutSeconds) * time.Second,
			MaxAttempts:  cfg.TransferMaxAttempts,
			RetryBackoff: time.Duration(cfg.TransferRetryBackoffMs) * time.Millisecond,
			Concurrency:  cfg.TransferConcurrency,
			PaymentMethods: []domain.PaymentMethod{
				{Type: domain.PaymentMethodManual, MinAmountCents: 1, MaxAmountCents: cfg.ManualMethodMaxCents},
				{Type: domain.PaymentMethodStandard, MinAmountCents: 1, MaxAmountCents: 0},
			},
		},
	)

	var retryLimiter *app.RedisRetryRateLimiter
	if redisClient != nil {
		retryLimiter = app.NewRedisRetryRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers.
	payoutHandlers := api.NewPayoutHandlers(payoutService, retryLimiter, cfg.RetryRateLimitPerMinute)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.PayoutRoutes(payoutHandlers, cfg.JWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the transfer status consumer: bind to provider transfer events
	// so asynchronous settlements and failures reconcile automatically.
	transferConsumer := app.NewTransferStatusConsumer(payoutService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	transferBindings := map[string]func([]byte) bool{
		"transfer.status.*": transferConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.TransferEventQueue, transferBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"transfer consumer start failed\" err=%v", err)
	}

	// Start the hygiene jobs: stale claim sweeps and transient auto-retries.
	scheduler := app.NewScheduler(payoutService, app.SchedulerSettings{
		StaleClaimSweepSchedule: cfg.StaleClaimSweepSchedule,
		TransientRetrySchedule:  cfg.TransientRetrySchedule,
		StaleClaimAge:           time.Duration(cfg.StaleClaimAgeMinutes) * time.Minute,
		TransientRetryAge:       time.Duration(cfg.TransientRetryAgeMinutes) * time.Minute,
		TransientRetryBatchSize: cfg.TransientRetryBatchSize,
	})
	scheduler.Start()

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
