package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/api"
	"crmsync/internal/api/handlers"
	"crmsync/internal/api/middleware"
	"crmsync/internal/engine/cleanup"
	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/funnel"
	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/syncer"
	"crmsync/internal/engine/webhooks"
	"crmsync/internal/pkg/logger"
	"crmsync/internal/platform/audit"
	"crmsync/internal/platform/auth"
	"crmsync/internal/platform/config"
	"crmsync/internal/platform/database"
	"crmsync/internal/platform/repositories"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, "up"); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
	}

	q, err := queue.Open(cfg.Redis, cfg.Worker)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open queue")
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CRM
	client := crm.NewClient(cfg.CRM)
	mapper := funnel.NewMapper(client, cfg.CRM)
	if client.Configured() {
		go mapper.InitUntilReady(ctx, 30*time.Second)
	} else {
		log.Warn().Msg("CRM integration disabled, inbound events are not filtered by pipeline")
	}

	// Services
	store := repositories.NewStore(db)
	syncSvc := syncer.NewService(store, q)
	finder, err := cleanup.NewFinder(client, cfg.Cleanup)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cleanup config")
	}
	reconciler := cleanup.NewReconciler(store.Orders, client, finder, cfg.Cleanup.KeepPolicy)
	auditor := cleanup.NewAuditor(store.Orders, client, syncSvc, mapper, cfg.Worker.AuditGrace)

	normalizer, err := webhooks.NewNormalizer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load webhook schemas")
	}
	authenticator := webhooks.NewAuthenticator(cfg.CRM.InboundTokenHash, cfg.CRM.InboundSigningSecret)
	tokenSvc := auth.NewTokenService(cfg.JWT)

	streams := []string{queue.StreamOperations, queue.StreamWebhooks, queue.StreamDeadLetter}

	// Handlers
	webhookHandler := handlers.NewWebhookHandler(normalizer, authenticator, mapper, q)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": db,
		"queue":    handlers.PingFunc(q.Ping),
	})
	metricsHandler := handlers.NewMetricsHandler(q, streams, nil)
	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Queue:      q,
		Streams:    streams,
		Store:      store,
		Reconciler: reconciler,
		Auditor:    auditor,
		Sync:       syncSvc,
		Funnel:     mapper,
		Actions:    audit.NewLogger(db),
	})

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(tokenSvc)
	rateLimiter := middleware.NewRateLimiter()
	defer rateLimiter.Close()

	// Router
	deps := &api.Dependencies{
		WebhookHandler: webhookHandler,
		HealthHandler:  healthHandler,
		MetricsHandler: metricsHandler,
		AdminHandler:   adminHandler,
		AuthMiddleware: authMiddleware,
		RateLimiter:    rateLimiter,
		Limits:         cfg.RateLimit,
	}
	router := api.NewRouter(deps)

	config.Watch(func(c *config.Config) {
		logger.SetLevel(c.Logging.Level)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	adminHandler.Close()
}
