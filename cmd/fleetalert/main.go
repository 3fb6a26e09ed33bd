package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetalert/fleetalert/internal/config"
	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/fleetalert/fleetalert/internal/handlers"
	"github.com/fleetalert/fleetalert/internal/jobs"
	"github.com/fleetalert/fleetalert/internal/middleware"
	"github.com/fleetalert/fleetalert/internal/senders"
	"github.com/fleetalert/fleetalert/internal/services"
	"github.com/fleetalert/fleetalert/internal/sources"
	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting FleetAlert engine...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	// Hash the admin password
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/auth/login",
			"/ws/*",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize default database records
	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	db := database.GetDB()

	// Initialize policy service and make sure every alert type has a policy row
	policyService := services.NewPolicyService(db)
	if err := policyService.EnsureDefaultPolicies(); err != nil {
		log.Fatalf("Failed to ensure default policies: %v", err)
	}

	// Seed policies and the recipient directory from file if configured
	var seedRecipients []services.SeedRecipient
	if cfg.SeedFile != "" {
		seedRecipients, err = policyService.SeedFromFile(cfg.SeedFile)
		if err != nil {
			log.Fatalf("Failed to load seed file %s: %v", cfg.SeedFile, err)
		}
		log.Printf("Loaded %d recipients from seed file %s", len(seedRecipients), cfg.SeedFile)
	} else {
		log.Printf("No seed file configured (ALERT_SEED_FILE); recipient directory is empty")
	}
	resolver := services.NewStaticRecipientResolver(seedRecipients)

	// Initialize engine services
	dedupService := services.NewDedupService(db)
	dispatchService := services.NewDispatchService(db, resolver)
	deliveryService := services.NewDeliveryService(db, services.DeliveryConfig{
		MaxAttempts: cfg.MaxDeliveryAttempts,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffCap:  cfg.RetryBackoffCap,
		SendTimeout: cfg.SendTimeout,
	})
	eventService := services.NewEventService(db)
	evalService := services.NewEvaluationService(db, policyService, dedupService, dispatchService, deliveryService)

	// Register condition sources. Hosts with live data register their own;
	// the file source serves demos and file-drop integrations.
	if cfg.ConditionsFile != "" {
		for _, alertType := range database.ValidAlertTypes() {
			evalService.RegisterSource(sources.NewStaticSource(alertType, cfg.ConditionsFile))
		}
		log.Printf("Registered file-backed condition sources from %s", cfg.ConditionsFile)
	} else {
		log.Printf("No conditions file configured (CONDITIONS_FILE); evaluation cycles will skip all policies")
	}

	// Initialize channel senders
	hub := senders.NewHub()
	deliveryService.RegisterSender(senders.NewInAppSender(db, hub))

	slackManager := senders.NewSlackManager()
	if err := slackManager.Reload(); err != nil {
		log.Printf("Warning: Could not load Slack settings: %v", err)
	}
	deliveryService.RegisterSender(senders.NewSlackSender(slackManager))

	if cfg.SMTPAddr != "" {
		transport := &senders.SMTPTransport{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom}
		deliveryService.RegisterSender(senders.NewEmailSender(transport))
		log.Printf("Email sender enabled via SMTP relay %s", cfg.SMTPAddr)
	} else {
		log.Printf("Email sender disabled (SMTP_ADDR not set); email deliveries will fail and retry")
	}

	// Initialize HTTP handlers
	apiHandler := handlers.NewAPIHandler(policyService, eventService, evalService, slackManager.TriggerReload)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)

	// Set up HTTP server routes
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	hub.SetupRoutes(mux)

	// Wrap all routes with request-id and CORS middleware first, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware() // Allow all origins
	handler := middleware.RequestIDMiddleware(corsMiddleware.Wrap(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Background jobs: evaluation sweep and delivery retry scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go slackManager.WatchForReloads(ctx)

	evaluationSweep := jobs.NewEvaluationSweep(evalService, cfg.EvaluationInterval)
	go evaluationSweep.Start(ctx)

	retryScheduler := jobs.NewRetryScheduler(db, deliveryService, cfg.RetryInterval, cfg.StalePendingAfter)
	go retryScheduler.Start(ctx)

	log.Printf("Evaluation sweep every %s, retry sweep every %s", cfg.EvaluationInterval, cfg.RetryInterval)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, cleaning up...")

	// Stop the background jobs and wait for in-flight sweeps to finish
	cancel()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
