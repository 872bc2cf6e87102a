// Package scheduler runs the protocol's background work inside the server
// process:
//  1. settle    – one clearing pass on a cron spec (default every 5 minutes).
//  2. liquidate – one overdue-loan sweep on a cron spec.
//  3. indexLoop – the replica indexer, woken by ledger commits.
//
// The same settle and liquidate actions are reachable over the backoffice
// trigger endpoints for deployments that drive cadence from cmd/runner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ghostlend/protocol/internal/clearing"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborators
// ──────────────────────────────────────────────────────────────────────────────

// Settler runs one clearing pass.
type Settler interface {
	Run(ctx context.Context) (*clearing.RunResult, error)
}

// Sweeper liquidates overdue loans.
type Sweeper interface {
	LiquidateOverdue(ctx context.Context) (int, error)
}

// IndexLoop is the replica indexer's long-running loop.
type IndexLoop interface {
	Run(ctx context.Context, wake <-chan struct{}, interval time.Duration)
}

// CommitNotifier signals every ledger commit.
type CommitNotifier interface {
	Subscribe() (<-chan struct{}, func())
}

// Config selects what the scheduler runs.
type Config struct {
	SettleSpec    string // "" disables settle
	LiquidateSpec string // "" disables liquidate
	IndexInterval time.Duration
	JobTimeout    time.Duration // bound on a single settle or sweep
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler owns the cron runner and the indexer goroutine. Call Start once
// from main(); cancel the context to shut it down, then Wait.
type Scheduler struct {
	settler  Settler
	sweeper  Sweeper
	indexer  IndexLoop
	notifier CommitNotifier
	cfg      Config
	logger   *slog.Logger

	cron      *cron.Cron
	indexDone chan struct{}
}

// New creates a Scheduler. Any collaborator may be nil to disable its job.
func New(
	settler Settler,
	sweeper Sweeper,
	ix IndexLoop,
	notifier CommitNotifier,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IndexInterval <= 0 {
		cfg.IndexInterval = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		settler:  settler,
		sweeper:  sweeper,
		indexer:  ix,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
	}
}

// Start registers the cron jobs and launches the indexer loop. It returns
// immediately; an invalid cron spec is reported before anything starts.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.settler != nil && s.cfg.SettleSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.SettleSpec, func() { s.settle(ctx) }); err != nil {
			return fmt.Errorf("scheduler.Start: settle spec %q: %w", s.cfg.SettleSpec, err)
		}
	}
	if s.sweeper != nil && s.cfg.LiquidateSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.LiquidateSpec, func() { s.liquidate(ctx) }); err != nil {
			return fmt.Errorf("scheduler.Start: liquidate spec %q: %w", s.cfg.LiquidateSpec, err)
		}
	}
	s.cron.Start()

	if s.indexer != nil {
		s.indexDone = make(chan struct{})
		go s.indexLoop(ctx)
	}

	s.logger.Info("scheduler started",
		"settle", s.cfg.SettleSpec,
		"liquidate", s.cfg.LiquidateSpec,
		"indexer", s.indexer != nil,
	)
	return nil
}

// Wait stops the cron runner and blocks until running jobs and the indexer
// loop have returned. The context passed to Start must already be cancelled
// for the indexer loop to exit.
func (s *Scheduler) Wait() {
	<-s.cron.Stop().Done()
	if s.indexDone != nil {
		<-s.indexDone
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) settle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	res, err := s.settler.Run(ctx)
	if err != nil {
		s.logger.Error("settle: clearing run failed", "err", err)
		return
	}
	s.logger.Info("settle: clearing run done", "matched", res.Matched())
}

func (s *Scheduler) liquidate(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	n, err := s.sweeper.LiquidateOverdue(ctx)
	if err != nil {
		s.logger.Error("liquidate: sweep incomplete", "liquidated", n, "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("liquidate: sweep done", "liquidated", n)
	}
}

// indexLoop runs the indexer until ctx is done, restarting it after a panic.
func (s *Scheduler) indexLoop(ctx context.Context) {
	defer close(s.indexDone)

	var wake <-chan struct{}
	if s.notifier != nil {
		ch, unsubscribe := s.notifier.Subscribe()
		defer unsubscribe()
		wake = ch
	}

	for ctx.Err() == nil {
		s.runIndexer(ctx, wake)
	}
	s.logger.Info("indexLoop: shutting down")
}

func (s *Scheduler) runIndexer(ctx context.Context, wake <-chan struct{}) {
	defer s.recoverAndLog("indexLoop")
	s.indexer.Run(ctx, wake, s.cfg.IndexInterval)
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred inside the indexer goroutine to catch unexpected
// panics, log them, and allow the scheduler to continue running.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
		// Avoid a hot loop if the panic repeats.
		time.Sleep(time.Second)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
