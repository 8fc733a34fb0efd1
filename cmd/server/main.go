package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/consult-escrow/consult-escrow/internal/api/http"
	"github.com/consult-escrow/consult-escrow/internal/application/escrow"
	"github.com/consult-escrow/consult-escrow/internal/config"
	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/postgres"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/registry"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/sse"
	"github.com/consult-escrow/consult-escrow/internal/p2p/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx := context.Background()
	genesis := cfg.Fee.Genesis()

	// ledger
	var (
		ledger    consultation.Ledger
		eventRepo *postgres.EventRepository
		health    = map[string]any{"ledger": cfg.Ledger.Backend}
	)
	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		applied, err := postgres.RunMigrations(ctx, pool, cfg.Ledger.MigrationsDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		logger.Info().Strs("applied", applied).Msg("migrations complete")
		pgLedger := postgres.NewLedger(pool)
		if err := pgLedger.EnsureSettings(ctx, genesis); err != nil {
			logger.Fatal().Err(err).Msg("seed escrow settings")
		}
		ledger = pgLedger
		eventRepo = postgres.NewEventRepository(pool, logger)
	default:
		ledger = state.NewMachine(genesis)
	}

	reg, err := registry.FromConfig(cfg.Registry, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("registry error")
	}
	health["registry"] = reg != nil

	// infrastructure
	sseHub := sse.NewHub(logger)
	notifiers := escrow.Fanout{escrow.NewLogNotifier(logger), sseHub}
	if eventRepo != nil {
		notifiers = append(notifiers, eventRepo)
	}

	// services
	executor := escrow.NewExecutor(ledger, notifiers, logger)
	svc := escrow.NewService(escrow.NewLocalApplier(executor, time.Now), ledger, reg, logger)
	limiter := httpapi.NewRateLimiter(map[string]httpapi.RateLimit{
		"tx": {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
	}, logger)

	serverCfg := httpapi.Config{
		Service:        svc,
		Hub:            sseHub,
		Limiter:        limiter,
		Health:         func() map[string]any { return health },
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}
	if eventRepo != nil {
		serverCfg.Events = eventRepo
	}
	apiServer := httpapi.NewServer(serverCfg)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("ledger", cfg.Ledger.Backend).
			Uint8("fee_percent", genesis.FeePercent).
			Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sseHub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
