package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/consult-escrow/consult-escrow/internal/api/http"
	"github.com/consult-escrow/consult-escrow/internal/application/escrow"
	"github.com/consult-escrow/consult-escrow/internal/config"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/postgres"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/registry"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/sse"
	p2papi "github.com/consult-escrow/consult-escrow/internal/p2p/api"
	"github.com/consult-escrow/consult-escrow/internal/p2p/consensus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := normalizeRaft(&cfg.Raft); err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg.LogLevel).With().Str("node_id", cfg.Raft.NodeID).Logger()

	ctx := context.Background()
	sseHub := sse.NewHub(logger)
	notifiers := escrow.Fanout{escrow.NewLogNotifier(logger), sseHub}

	// every replica writes the same event ids, so a shared database dedupes them
	var eventRepo *postgres.EventRepository
	if cfg.Ledger.Backend == config.LedgerPostgres {
		pool, err := postgres.NewPool(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		if _, err := postgres.RunMigrations(ctx, pool, cfg.Ledger.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		eventRepo = postgres.NewEventRepository(pool, logger)
		notifiers = append(notifiers, eventRepo)
	}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.Raft.NodeID,
		RaftAddr:       cfg.Raft.Addr,
		DataDir:        cfg.Raft.DataDir,
		Bootstrap:      cfg.Raft.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   cfg.Raft.ApplyTimeout,
		Genesis:        cfg.Fee.Genesis(),
		Notifier:       notifiers,
		Logger:         logger,
		Now:            time.Now,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create raft node")
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Raft.Bootstrap && cfg.Raft.JoinEndpoint != "" {
		if err := joinCluster(&cfg.Raft); err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.Raft.JoinEndpoint).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.Raft.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.Raft.StartupWaitLeader > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Raft.StartupWaitLeader)
		if leader, err := node.WaitForLeader(waitCtx, 150*time.Millisecond); err == nil {
			logger.Info().Str("leader", leader).Msg("leader elected")
		}
		cancel()
	}

	reg, err := registry.FromConfig(cfg.Registry, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("registry error")
	}
	svc := escrow.NewService(node, node.Machine(), reg, logger)
	limiter := httpapi.NewRateLimiter(map[string]httpapi.RateLimit{
		"tx": {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
	}, logger)

	serverCfg := httpapi.Config{
		Service: svc,
		Hub:     sseHub,
		Limiter: limiter,
		Mounts:  []httpapi.Mounter{p2papi.NewServer(node, node.Machine(), cfg.Raft.AdminTokenHash, logger)},
		Health: func() map[string]any {
			return map[string]any{
				"node_id":   node.ID(),
				"state":     node.State(),
				"leader":    node.LeaderAddr(),
				"is_leader": node.IsLeader(),
			}
		},
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

	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("raft_addr", cfg.Raft.Addr).
			Bool("bootstrap", cfg.Raft.Bootstrap).
			Msg("p2p http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sseHub.Stop()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = node.Shutdown()
}

// normalizeRaft fills the node id and data directory when they are unset.
func normalizeRaft(cfg *config.RaftConfig) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = strings.TrimSpace(hostname)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join("tmp", "p2pnode", cfg.NodeID)
	}
	return os.MkdirAll(cfg.DataDir, 0o755)
}

func joinCluster(cfg *config.RaftConfig) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/cluster/raft/join"
	payload := map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": cfg.Addr,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		req, _ := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if cfg.AdminToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(cfg.JoinRetryDelay)
			continue
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		// credentials do not get better with retries
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return lastErr
		}
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
