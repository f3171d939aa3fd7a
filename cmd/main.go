/**
 * @description
 * This is the main entry point for the clawback-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * reconciliation service, the cron scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/storefront, pkg/balanceclient: Clients for the commerce platform and balance store.
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
	"github.com/playverse/clawback-service/internal/api"
	"github.com/playverse/clawback-service/internal/app"
	"github.com/playverse/clawback-service/internal/config"
	"github.com/playverse/clawback-service/internal/store"
	"github.com/playverse/clawback-service/pkg/balanceclient"
	pvrabbit "github.com/playverse/clawback-service/pkg/rabbitmq"
	"github.com/playverse/clawback-service/pkg/storefront"
	"github.com/redis/go-redis/v9"
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

	log.Printf("level=info component=bootstrap msg=\"starting clawback-service\" port=%s mode=%s sandbox=%s", cfg.ServerPort, cfg.ClawbackMode, cfg.TargetSandboxID)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// The sweep is batch-shaped, not request-shaped, so the pool stays small.
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 4
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

	// Initialize the RabbitMQ producer used to announce completed clawbacks.
	// The producer is optional; the engine falls back to a no-op publisher.
	rabbitProducer, err := pvrabbit.NewEventProducer(cfg.RabbitMQURL)
	var producer pvrabbit.Publisher
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the refund event queue consumer. A deployment without a
	// refund event feed runs pull-model only.
	var eventSource app.RefundEventSource
	var eventQueue *pvrabbit.RefundEventQueue
	if strings.TrimSpace(cfg.RefundEventQueue) == "" {
		log.Println("level=info component=bootstrap msg=\"refund event queue not configured; pull-model only\"")
	} else {
		eventQueue, err = pvrabbit.NewRefundEventQueue(cfg.RabbitMQURL, cfg.RefundEventQueue)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"refund event queue unavailable; pull-model only\" queue=%s err=%v", cfg.RefundEventQueue, err)
		} else {
			defer eventQueue.Close()
			eventSource = eventQueue
			log.Printf("level=info component=bootstrap msg=\"refund event queue connected\" queue=%s", cfg.RefundEventQueue)
		}
	}

	// Initialize the clients for the commerce platform and the balance store.
	storefrontClient := storefront.NewClient(cfg.StorefrontAPIBaseURL, cfg.StorefrontTenantID, cfg.StorefrontClientSecret)
	balanceClient := balanceclient.NewClient(cfg.BalanceServiceURL, cfg.BalanceServiceInternalAPIKey)

	var redisClient *redis.Client
	if cfg.SweepTriggerRateLimitPerMin > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; manual trigger rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; manual trigger rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; manual trigger rate limiting disabled\" err=%v", pingErr)
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

	// Initialize the core reconciliation service with its dependencies.
	clawbackService := app.NewService(
		repository,
		storefrontClient,
		balanceClient,
		eventSource,
		producer,
		app.Options{
			Mode:                    cfg.ClawbackMode,
			IncludeRefunded:         cfg.ReconcileIncludeRefunded,
			TargetSandboxID:         cfg.TargetSandboxID,
			IdentityRetention:       time.Duration(cfg.IdentityRetentionDays) * 24 * time.Hour,
			EventDrainTimeout:       time.Duration(cfg.EventDrainTimeoutSeconds) * time.Second,
			EventFetchBatchSize:     cfg.EventFetchBatchSize,
			ResolveFallbackEarliest: cfg.ResolveFallbackEarliest,
		},
	)

	// Start the cron scheduler for the nightly sweep and the event drain.
	drainSchedule := cfg.EventDrainSchedule
	if eventSource == nil {
		drainSchedule = ""
	}
	scheduler := app.NewScheduler(clawbackService, cfg.SweepSchedule, drainSchedule)
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Initialize the API handlers.
	var limiter *app.RedisSweepRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisSweepRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	clawbackHandlers := api.NewClawbackHandlers(clawbackService, limiter, cfg.SweepTriggerRateLimitPerMin)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.ClawbackRoutes(clawbackHandlers, cfg.InternalAPIKey, cfg.AdminJWTSecret))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

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

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
