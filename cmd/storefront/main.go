package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/golocal-storefront/internal/api"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/internal/catalog"
	"github.com/jogardn/golocal-storefront/internal/checkout"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
	"github.com/jogardn/golocal-storefront/internal/config"
	"github.com/jogardn/golocal-storefront/internal/events"
	"github.com/jogardn/golocal-storefront/internal/idempotency"
	"github.com/jogardn/golocal-storefront/internal/orders"
	"github.com/jogardn/golocal-storefront/internal/store"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// backend is the persistence behind orders, carts and the health check.
type backend interface {
	orders.Repository
	api.Pinger
	CartRemote(userID string) cart.Remote
}

type publisher interface {
	orders.Publisher
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	demo := catalog.Demo()
	var (
		repo     backend
		products catalog.Source = demo
	)
	switch cfg.Store {
	case config.StoreMemory:
		repo = store.NewMemory(demo)
		logger.Warn("Using the in-memory store, orders and carts are lost on restart")
	default:
		db, err := store.Connect(ctx, cfg.DSN(), 30, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		pg := store.NewPostgres(db, logger)
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to create tables")
		}
		if cfg.CatalogSource == config.CatalogPostgres {
			if err := pg.SeedProducts(ctx, demo.Products()); err != nil {
				logger.WithError(err).Fatal("Failed to seed products")
			}
			products = pg
		}
		repo = pg
	}

	var pub publisher = events.NewLogPublisher(logger)
	if cfg.KafkaEnabled {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		pub = producer
	}
	defer pub.Close()

	var keys idempotency.Store = idempotency.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		redisStore := idempotency.NewRedisStore(client)
		if err := redisStore.Ping(ctx); err != nil {
			logger.WithError(err).WithField("redis_addr", cfg.RedisAddr).Warn("Redis not reachable, idempotency keys will fail open until it is")
		}
		keys = redisStore
	}

	onStateChange := func(name string, from, to circuitbreaker.State) {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": name,
			"from":            from.String(),
			"to":              to.String(),
		}).Warn("Circuit breaker state changed")
	}
	breakers := circuitbreaker.NewManager(logger)
	orderWrites := breakers.GetOrCreate(circuitbreaker.OrderWrites, circuitbreaker.Config{
		MaxFailures:   5,
		Timeout:       30 * time.Second,
		IsFailure:     orders.BreakerFailure,
		OnStateChange: onStateChange,
	})
	cartSync := breakers.GetOrCreate(circuitbreaker.CartSync, circuitbreaker.Config{
		MaxFailures:   5,
		Timeout:       15 * time.Second,
		IsFailure:     cart.SyncFailure,
		OnStateChange: onStateChange,
	})

	service := orders.NewService(repo, pub, orderWrites, logger, orders.WithDeliveryETA(cfg.DeliveryETA))
	carts := cart.NewRegistry(func(userID string) cart.Remote {
		return cart.GuardedRemote(repo.CartRemote(userID), cartSync)
	}, logger)

	server := api.NewServer(api.Deps{
		Catalog:     products,
		Carts:       carts,
		Checkouts:   checkout.NewRegistry(),
		Orders:      service,
		Auth:        auth.NewAuthenticator(cfg.JWTSecret, logger),
		Breakers:    breakers,
		Idempotency: keys,
		Database:    repo,
		DeliveryETA: cfg.DeliveryETA,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.StorefrontPort,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":           cfg.StorefrontPort,
			"store":          cfg.Store,
			"catalog_source": cfg.CatalogSource,
			"kafka_enabled":  cfg.KafkaEnabled,
		}).Info("Starting storefront")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}
