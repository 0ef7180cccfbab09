package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-alert-service/internal/adapter/expo"
	httpadapter "github.com/couchcryptid/storm-alert-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-alert-service/internal/adapter/kafka"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/postgres"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/rules"
	"github.com/couchcryptid/storm-alert-service/internal/config"
	"github.com/couchcryptid/storm-alert-service/internal/dispatch"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/couchcryptid/storm-alert-service/internal/pipeline"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cooldownLedger is what both ledger implementations provide.
type cooldownLedger interface {
	domain.Ledger
	pipeline.Pruner
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("alertd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	shutdownTracing, err := observability.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return err
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	ruleStore := rules.NewStore(cfg.RulesFile, logger, metrics)
	if err := ruleStore.Load(); err != nil {
		// Readiness stays false until a valid file appears.
		logger.Error("threshold rules not loaded", "path", cfg.RulesFile, "error", err)
	}
	go func() {
		if err := ruleStore.Watch(ctx); err != nil {
			logger.Error("threshold rule watch stopped", "error", err)
		}
	}()

	var ledger cooldownLedger
	if cfg.CooldownPersistent {
		ledger = postgres.NewCooldownLedger(db, clockwork.NewRealClock())
		logger.Info("cooldown ledger persisted in postgres")
	} else {
		ledger = domain.NewMemoryLedger(clockwork.NewRealClock())
		logger.Info("cooldown ledger kept in memory")
	}
	evaluator := domain.NewEvaluator(ledger, cfg.CooldownWindow, domain.ValidityPolicy{
		Default:  cfg.AlertValidity,
		Critical: cfg.AlertValidityCritical,
	}, logger)

	gateway := expo.NewClient(cfg.PushGatewayURL, cfg.PushAccessToken, cfg.PushBatchTimeout, logger)
	engine := dispatch.NewEngine(gateway, dispatch.Config{
		Concurrency:  cfg.PushConcurrency,
		BatchTimeout: cfg.PushBatchTimeout,
	}, logger, metrics)

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)

	directory := postgres.NewDirectory(db)
	coord := pipeline.NewCoordinator(pipeline.Deps{
		Directory:  directory,
		Incidents:  directory,
		Store:      postgres.NewAlertStore(db),
		Sink:       writer,
		Dispatcher: engine,
	}, cfg.IncidentBufferMeters, logger, metrics)

	p := pipeline.New(reader, evaluator, ruleStore, coord, logger, metrics, cfg.BatchSize)

	scheduler, err := pipeline.NewScheduler(cfg.RecheckSchedule, p, ledger, ruleStore, cfg.CooldownWindow, logger, metrics)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	admin := httpadapter.NewAdminRouter(coord, p, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Checks{db, ruleStore, p}, admin, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	scheduler.Start(ctx)

	// Start alert pipeline.
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	scheduler.Stop(shutdownCtx)
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout")
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("trace provider shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
