package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitlement-api/internal/api"
	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/queue"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect database:", err)
	}
	store := database.NewStore(db)

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect Redis:", err)
	}

	// Store verification clients, one per configured platform
	verifiers := make(map[string]services.StoreVerifier)
	if cfg.AppleKeyID != "" && cfg.ApplePrivateKey != "" {
		appleVerifier, err := services.NewAppleVerifier(cfg)
		if err != nil {
			log.Fatal("Failed to initialize Apple verifier:", err)
		}
		verifiers["ios"] = appleVerifier
	}
	if cfg.GooglePackageName != "" && cfg.GoogleServiceAccountJSON != "" {
		googleVerifier, err := services.NewGoogleVerifier(cfg)
		if err != nil {
			log.Fatal("Failed to initialize Google verifier:", err)
		}
		verifiers["android"] = googleVerifier
	}
	if len(verifiers) == 0 {
		logging.Warnf("No store verifiers configured; webhook events will fail verification")
	}

	credits, err := services.NewCreditService(store, cfg.OperationalTimezone)
	if err != nil {
		log.Fatal("Failed to initialize credit service:", err)
	}

	var notifier *services.WebhookNotifier
	if cfg.WebhookCallbackURL != "" {
		notifier = services.NewWebhookNotifier(cfg.WebhookCallbackURL, cfg.WebhookSecret)
	}

	processor := services.NewProcessor(store, verifiers, credits, notifier,
		cfg.VerifyTimeout, cfg.MaxProcessRetries)

	eventQueue := queue.NewQueue(redisClient, store, processor, cfg.QueueWorkers)
	eventQueue.Start()

	reconciler := services.NewReconciler(store, verifiers, processor,
		cfg.ReconcileInterval, cfg.ReconcileSampleFraction)
	reconciler.Start()

	dedupe := services.NewNotificationDedupe(redisClient)

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	handlers := api.NewHandlers(store, eventQueue, processor, credits, reconciler, dedupe)
	api.SetupRoutes(r, handlers, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Drain in-flight work before exit: workers first, then HTTP
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Infof("Shutting down")

	reconciler.Stop()
	eventQueue.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown error: %v", err)
	}
	logging.Infof("Server stopped")
}
