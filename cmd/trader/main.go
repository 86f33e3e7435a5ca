// Automated equities trading engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go     — cycle loop: activates schedules, evaluates strategies, routes orders
//	strategy/evaluator.go — pure per-tick decision function for all strategy variants
//	router/router.go     — order path: safety gate, audit log, idempotent submission
//	broker/alpaca/       — live broker adapter over the Alpaca trading and data APIs
//	safety/gate.go       — hard pre-trade limits: position caps, daily loss, kill switch
//	store/store.go       — YAML strategy persistence (survives restarts)
//	audit/audit.go       — append-only JSONL record of every order intent and state change
//	api/server.go        — optional operator HTTP surface: status, strategies, kill switch
//	notify/notify.go     — webhook/Discord fan-out for fills, completions and alerts
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"autotrader/internal/api"
	"autotrader/internal/audit"
	"autotrader/internal/broker/alpaca"
	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/notify"
	"autotrader/internal/router"
	"autotrader/internal/safety"
	"autotrader/internal/store"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	auditLog, err := audit.Open(cfg.Audit.Dir, "engine", cfg.Audit.MaxSizeMB, logger)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		logger.Error("failed to open strategy store", "error", err)
		os.Exit(1)
	}

	bkr := alpaca.New(cfg.Broker)
	gate := safety.NewGate(cfg.Safety)
	rt := router.New(bkr, gate, auditLog, logger, cfg.Engine.BrokerTimeout)
	if cfg.DryRun {
		rt.SetDryRun(true)
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	notifier := notify.New(cfg.Notify, logger)

	eng := engine.New(*cfg, bkr, st, rt, gate, auditLog, notifier, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, st, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	// First signal stops gracefully (the cycle in flight completes);
	// a second one force-stops, abandoning the cycle. Both release the
	// engine lock.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutdown requested, finishing cycle in flight (interrupt again to force)")
		cancel()
		<-sigs
		logger.Warn("force stop requested, abandoning cycle in flight")
		eng.ForceStop()
	}()

	logger.Info("trader starting",
		"paper", cfg.Broker.Paper,
		"poll_interval", cfg.Engine.PollInterval,
		"dry_run", cfg.DryRun,
	)

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited with error", "error", err)
		if apiServer != nil {
			apiServer.Stop()
		}
		os.Exit(1)
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	logger.Info("trader stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
