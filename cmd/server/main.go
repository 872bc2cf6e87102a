// Package main is the entry point for the lending protocol server. It opens
// the settlement ledger, wires the clearing engine, replica indexer and
// services, and serves the public API and the operator backoffice side by
// side until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	bolt "go.etcd.io/bbolt"

	"github.com/ghostlend/protocol/internal/api"
	"github.com/ghostlend/protocol/internal/backoffice"
	"github.com/ghostlend/protocol/internal/clearing"
	"github.com/ghostlend/protocol/internal/config"
	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/indexer"
	"github.com/ghostlend/protocol/internal/ledger"
	"github.com/ghostlend/protocol/internal/metrics"
	"github.com/ghostlend/protocol/internal/repository"
	"github.com/ghostlend/protocol/internal/retry"
	"github.com/ghostlend/protocol/internal/scheduler"
	"github.com/ghostlend/protocol/internal/service"
	"github.com/ghostlend/protocol/internal/ws"
)

// intentStore is everything the services and the clearing engine need from
// the intent table.
type intentStore interface {
	service.IntentStore
	service.MarketReader
	clearing.IntentStore
}

// replicaStore is the indexer's projection target plus its query side.
type replicaStore interface {
	indexer.Replica
	service.ReplicaReader
}

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting lending protocol server",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"backoffice_port", cfg.Server.BackofficePort,
		"store", cfg.Store.Driver,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped cleanly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// ── 2. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Protocol()

	operator, err := cfg.OperatorAddress()
	if err != nil {
		return fmt.Errorf("operator address: %w", err)
	}
	operators := ledger.NewOperatorSet(operator)

	policy, err := cfg.CollateralPolicy()
	if err != nil {
		return err
	}

	// ── 3. Settlement ledger ──────────────────────────────────────────────────
	ledgerOpts := []ledger.Option{
		ledger.WithAuthorizer(operators),
		ledger.WithCollateralPolicy(policy),
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
	}
	if cfg.Ledger.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.JournalPath), 0o755); err != nil {
			return fmt.Errorf("journal dir: %w", err)
		}
		journal, err := ledger.OpenBoltJournal(cfg.Ledger.JournalPath, &bolt.Options{Timeout: cfg.Ledger.OpenTimeout})
		if err != nil {
			return err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(journal))
		logger.Info("ledger journal opened", "path", cfg.Ledger.JournalPath)
	} else {
		logger.Warn("LEDGER_JOURNAL_PATH is empty, ledger state will not survive a restart")
	}

	led, err := ledger.New(ctx, ledgerOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := led.Close(); err != nil {
			logger.Error("ledger close error", "err", err)
		}
	}()

	// ── 4. Intent + replica store ─────────────────────────────────────────────
	intents, replica, closeStore, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// ── 5. Services ───────────────────────────────────────────────────────────
	authSvc := service.NewAuthService(cfg.JWT, operators)
	intentSvc := service.NewIntentService(intents, logger)
	querySvc := service.NewQueryService(intents, replica, led, policy)
	liquidationSvc := service.NewLiquidationService(replica, led, operator, cfg.Clearing.CallTimeout, logger, m)

	retryPolicy := retry.Policy{
		MaxAttempts:     uint64(cfg.Clearing.RetryAttempts),
		InitialInterval: cfg.Clearing.RetryInitial,
		MaxInterval:     cfg.Clearing.RetryMax,
		AttemptTimeout:  cfg.Clearing.CallTimeout,
	}
	engine := clearing.NewEngine(intents, led, clearing.Config{
		Operator:    operator,
		Options:     clearing.Options{DefaultMaxRateBps: cfg.Clearing.DefaultMaxRateBps},
		Retry:       retryPolicy,
		CallTimeout: cfg.Clearing.CallTimeout,
	}, logger, m)

	// ── 6. WebSocket hub + replica indexer ────────────────────────────────────
	hub := ws.NewHub(func(token string) (domain.Address, error) {
		claims, err := authSvc.ParseAccessToken(token)
		if err != nil {
			return "", err
		}
		return claims.Address()
	}, cfg.Server.AllowedOrigins, logger, m)
	go hub.Run(ctx)
	logger.Info("websocket hub started")

	ix := indexer.New(led, replica, indexer.Config{
		BatchSize: cfg.Indexer.BatchSize,
		Retry:     retryPolicy,
	}, logger, m)
	ix.SetListener(hub)
	if err := ix.CheckCursor(ctx, led.LastSeq()); err != nil {
		return fmt.Errorf("replica does not match the ledger (was LEDGER_JOURNAL_PATH changed or cleared?): %w", err)
	}

	// ── 7. Scheduler ──────────────────────────────────────────────────────────
	// The indexer always runs; settle and liquidate only when the in-process
	// cadence is enabled; otherwise cmd/runner drives them over the backoffice.
	schedCfg := scheduler.Config{
		IndexInterval: cfg.Indexer.Interval,
		JobTimeout:    cfg.Runner.Timeout,
	}
	if cfg.Scheduler.Enabled {
		schedCfg.SettleSpec = cfg.Scheduler.SettleSpec
		schedCfg.LiquidateSpec = cfg.Scheduler.LiquidateSpec
	}
	sched := scheduler.New(engine, liquidationSvc, ix, led, schedCfg, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// ── 8. HTTP routers ───────────────────────────────────────────────────────
	publicSrv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.SetupRouter(api.RouterDeps{
			Ctx:       ctx,
			AuthSvc:   authSvc,
			IntentSvc: intentSvc,
			QuerySvc:  querySvc,
			Ledger:    led,
			Hub:       hub,
			Cfg:       cfg,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	backofficeSrv := &http.Server{
		Addr: ":" + cfg.Server.BackofficePort,
		Handler: backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
			AuthSvc: authSvc,
			Settler: engine,
			Sweeper: liquidationSvc,
			Ledger:  led,
			Stats:   querySvc,
			Indexer: ix,
			Clients: hub,
			Policy:  policy,
			Cfg:     cfg,
			Logger:  logger,
		}),
		ReadTimeout: cfg.Server.ReadTimeout,
		// Settle runs may take longer than a normal request.
		WriteTimeout: cfg.Server.WriteTimeout + cfg.Runner.Timeout,
	}

	// ── 9. Start servers ──────────────────────────────────────────────────────
	for name, srv := range map[string]*http.Server{"public": publicSrv, "backoffice": backofficeSrv} {
		go func(name string, srv *http.Server) {
			logger.Info("http server listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "server", name, "err", err)
				stop() // trigger graceful shutdown
			}
		}(name, srv)
	}

	// ── 10. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, srv := range map[string]*http.Server{"public": publicSrv, "backoffice": backofficeSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "server", name, "err", err)
		}
	}
	sched.Wait()
	return nil
}

// newLogger builds the process logger: JSON in production, text elsewhere.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.IsProd() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// openStores returns the intent and replica stores for the configured driver.
func openStores(cfg *config.Config, logger *slog.Logger) (intentStore, replicaStore, func(), error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory intent and replica store")
		mem := repository.NewMemoryStore()
		return mem, mem, func() {}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	logger.Info("database connected")

	if err := runMigrations(db, "migrations"); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	logger.Info("migrations applied")

	return repository.NewIntentRepository(db), repository.NewReplicaRepository(db), func() { db.Close() }, nil
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
