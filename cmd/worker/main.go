package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"crmsync/internal/api"
	"crmsync/internal/api/handlers"
	"crmsync/internal/engine/cleanup"
	"crmsync/internal/engine/crm"
	"crmsync/internal/engine/deadletter"
	"crmsync/internal/engine/funnel"
	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/syncer"
	"crmsync/internal/pkg/logger"
	"crmsync/internal/platform/config"
	"crmsync/internal/platform/database"
	"crmsync/internal/platform/repositories"
	"crmsync/internal/platform/storage"
	"crmsync/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)
	log.Info().Msg("Starting CRM sync worker")

	client := crm.NewClient(cfg.CRM)
	if !client.Configured() {
		log.Warn().Msg("CRM integration disabled, nothing to do")
		return
	}

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

	// signals stop the loop; handlers keep a background context so calls in
	// flight are allowed to finish
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mapper := funnel.NewMapper(client, cfg.CRM)
	if err := mapper.InitUntilReady(ctx, 30*time.Second); err != nil {
		log.Info().Msg("Stopped before the funnel was ready")
		return
	}

	if cfg.CRM.AutocreateFields {
		created, err := client.EnsureFields(ctx, crm.RequiredFields(cfg.CRM))
		if err != nil {
			// writes to a missing field are dropped by the CRM, not rejected
			log.Error().Err(err).Strs("created", created).Msg("Some CRM user fields could not be ensured")
		} else {
			log.Info().Strs("created", created).Msg("CRM user fields ensured")
		}
	} else {
		log.Info().Msg("CRM field auto-creation disabled")
	}

	store := repositories.NewStore(db)
	syncSvc := syncer.NewService(store, q)

	sink, err := deadletter.New(ctx, cfg.DeadLetter, q)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up dead letter sink")
	}
	if c, ok := sink.(io.Closer); ok {
		defer c.Close()
	}

	files, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up file storage")
	}

	w := workers.New(workers.Deps{
		Queue:      q,
		CRM:        client,
		Store:      store,
		Funnel:     mapper,
		Sync:       syncSvc,
		Files:      files,
		DeadLetter: sink,
		CRMConfig:  cfg.CRM,
		Config:     cfg.Worker,
	})

	config.Watch(func(c *config.Config) {
		logger.SetLevel(c.Logging.Level)
		w.SetBudgets(c.Worker.Budgets)
		log.Info().Interface("budgets", c.Worker.Budgets).Msg("retry budgets reloaded")
	})

	var metricsSrv *http.Server
	if cfg.Worker.MetricsAddr != "" {
		streams := []string{queue.StreamOperations, queue.StreamWebhooks, queue.StreamDeadLetter}
		health := handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": db,
			"queue":    handlers.PingFunc(q.Ping),
		})
		metricsSrv = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           api.MetricsRouter(handlers.NewMetricsHandler(q, streams, w.Stats()), health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("Worker metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Worker metrics listener failed")
			}
		}()
	}

	auditor := cleanup.NewAuditor(store.Orders, client, syncSvc, mapper, cfg.Worker.AuditGrace)
	go runAudit(ctx, auditor, cfg.Worker.AuditInterval)

	go func() {
		<-ctx.Done()
		log.Info().Msg("Stop requested, finishing current iteration")
		w.Stop()
	}()

	if err := w.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
}

// runAudit re-enqueues what write-behind enqueueing may have dropped.
func runAudit(ctx context.Context, auditor *cleanup.Auditor, interval time.Duration) {
	if interval <= 0 {
		log.Info().Msg("Periodic audit disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := auditor.Audit(ctx)
			log.Info().
				Int("unlinked_requeued", report.UnlinkedRequeued).
				Int("linked_checked", report.LinkedChecked).
				Int("stale_unlinked", report.StaleUnlinked).
				Int("statuses_pulled", report.StatusesPulled).
				Int("errors", len(report.Errors)).
				Msg("audit pass finished")
		}
	}
}
