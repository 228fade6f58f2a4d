/**
 * @description
 * This is the main entry point for the deposit-service. It is responsible for
 * initializing all components of the service: configuration, the PostgreSQL
 * connection pool, the cash-ledger client, the RabbitMQ producer, the
 * repository, the ledger service, the daily settlement scheduler, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP serving.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Optional distributed rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/cashclient, pkg/rabbitmq: External cash ledger and event publishing.
 */

package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pennybot/deposit-service/internal/api"
	"github.com/pennybot/deposit-service/internal/app"
	"github.com/pennybot/deposit-service/internal/config"
	"github.com/pennybot/deposit-service/internal/store"
	"github.com/pennybot/deposit-service/pkg/cashclient"
	"github.com/pennybot/deposit-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	logger.Info("starting deposit-service", "port", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	// Initialize the RabbitMQ producer to publish ledger events. The broker
	// being down must not keep the ledger from serving.
	var eventProducer rabbitmq.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, prodErr := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if prodErr != nil {
			logger.Warn("rabbitmq producer unavailable; ledger events disabled", "error", prodErr)
		} else {
			defer producer.Close()
			eventProducer = producer
			logger.Info("rabbitmq producer connected")
		}
	}

	// Initialize the client for the external cash ledger.
	cashClient := cashclient.NewClient(cfg.CashServiceURL, cfg.CashServiceInternalAPIKey)

	// Optional redis client for operation rate limiting.
	var limiter *app.RedisOperationRateLimiter
	if cfg.OperationRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; operation rate limiting disabled", "error", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				logger.Warn("redis ping failed; operation rate limiting disabled", "error", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisOperationRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				logger.Info("redis connected")
			}
			cancelPing()
		}
	}

	// Initialize the data access layer and the ledger core.
	repository := store.NewPostgresRepository(dbpool)
	ledgerService := app.NewService(repository, cashClient, eventProducer, cfg.DemandPolicy, cfg.FixedTermPlans, logger)

	// Start the daily settlement scheduler in the background.
	compactor := app.NewCompactor(repository, logger)
	jobs := app.NewSettlementJobs(repository, compactor, eventProducer, cfg.DemandPolicy, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	logger.Info("settlement scheduler started", "schedule", cfg.SettlementJobSchedule)

	// Set up the HTTP router and server.
	handlers := api.NewLedgerHandlers(ledgerService, limiter, cfg.OperationRateLimitPerMinute)
	router := api.LedgerRoutes(handlers, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("level=fatal component=bootstrap msg=\"http server failed\" err=%v", serveErr)
		}
	}()

	// Wait for termination signal to gracefully shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http server shutdown failed", "error", shutdownErr)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for any in-flight sweep to finish
	logger.Info("deposit-service stopped gracefully")
}
