package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/golocal-storefront/internal/api"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/config"
	"github.com/jogardn/golocal-storefront/internal/events"
	"github.com/jogardn/golocal-storefront/internal/websocket"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const consumerGroup = "storefront-notifier"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	notifier := websocket.NewNotifier(hub, logger)
	consumer, err := events.NewKafkaConsumer(cfg.KafkaBrokers, consumerGroup, notifier, events.DefaultRetryPolicy(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer stopped")
		}
	}()

	authenticator := auth.NewAuthenticator(cfg.JWTSecret, logger)

	router := mux.NewRouter()
	router.Use(api.LoggingMiddleware(logger))
	router.Use(authenticator.Middleware)

	router.HandleFunc("/ws", hub.HandleWebSocket)
	router.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.CurrentUser(r.Context())
		if err != nil {
			respondWithJSON(w, http.StatusUnauthorized, models.Response{Success: false, Message: "Please sign in to continue", Redirect: "/auth"})
			return
		}
		respondWithJSON(w, http.StatusOK, models.Response{Success: true, Data: hub.Recent(user.ID)})
	}).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "notifier",
			"consumer": consumer.Metrics(),
		})
	}).Methods("GET")

	srv := &http.Server{
		Addr:        ":" + cfg.NotifierPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.NotifierPort).Info("Starting notifier")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down notifier...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Notifier stopped")
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
