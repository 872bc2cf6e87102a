package clearing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/metrics"
	"github.com/ghostlend/protocol/internal/retry"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still going. Callers treat it as a run with zero matches.
var ErrRunInProgress = errors.New("clearing run already in progress")

// IntentStore is the intent repository as seen by the engine.
type IntentStore interface {
	ActiveIntents(ctx context.Context) ([]domain.Intent, error)
	// ClaimMatch deactivates the borrow intent and reduces each lend intent
	// by its consumption, all or nothing. It returns domain.ErrIntentStale
	// when any intent no longer has the snapshot's amount available.
	ClaimMatch(ctx context.Context, claim domain.MatchClaim) error
	// ReleaseMatch undoes a successful ClaimMatch.
	ReleaseMatch(ctx context.Context, claim domain.MatchClaim) error
}

// Ledger is the subset of the settlement ledger the engine calls.
type Ledger interface {
	RequiredCollateral(ctx context.Context, borrower domain.Address, principal decimal.Decimal) (decimal.Decimal, error)
	ExecuteLoan(ctx context.Context, caller domain.Address, req domain.LoanRequest) (*domain.Loan, error)
}

// Config wires an Engine.
type Config struct {
	Operator    domain.Address // caller identity for ExecuteLoan
	Options     Options
	Retry       retry.Policy
	CallTimeout time.Duration // bound on each ExecuteLoan call
}

// RunResult summarises one clearing run.
type RunResult struct {
	RunID     uuid.UUID  `json:"run_id"`
	Submitted []Proposal `json:"submitted"`
	Rejected  int        `json:"rejected"`
	Stale     int        `json:"stale"`
	Degraded  int        `json:"degraded"`
}

// Matched is the count reported to callers.
func (r *RunResult) Matched() int {
	if r == nil {
		return 0
	}
	return len(r.Submitted)
}

// Engine runs clearing cycles. At most one run executes at a time per Engine;
// repository claims guard against runs in other processes.
type Engine struct {
	mu      sync.Mutex
	store   IntentStore
	ledger  Ledger
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.ProtocolMetrics
}

// NewEngine creates an Engine.
func NewEngine(store IntentStore, ledger Ledger, cfg Config, logger *slog.Logger, m *metrics.ProtocolMetrics) *Engine {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger.With("component", "clearing"),
		metrics: m,
	}
}

// Run executes one clearing cycle.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	if !e.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.mu.Unlock()

	start := time.Now()
	res := &RunResult{RunID: uuid.New()}
	log := e.logger.With("run_id", res.RunID.String())

	var intents []domain.Intent
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var err error
		intents, err = e.store.ActiveIntents(ctx)
		return err
	})
	if err != nil {
		e.metrics.ObserveClearingRun("error", 0, time.Since(start))
		return nil, fmt.Errorf("clearing.Run: load intents: %w", err)
	}

	lends, borrows := Split(intents)
	proposals := Match(lends, borrows, e.cfg.Options)
	log.Debug("matched snapshot",
		"lends", len(lends),
		"borrows", len(borrows),
		"proposals", len(proposals),
	)

	for i := range proposals {
		p := &proposals[i]
		switch err := e.submit(ctx, log, p); {
		case err == nil:
			res.Submitted = append(res.Submitted, *p)
			if p.Degraded {
				res.Degraded++
			}
		case errors.Is(err, domain.ErrIntentStale):
			res.Stale++
			log.Info("proposal lost race", "borrow_intent_id", p.BorrowIntentID)
		default:
			res.Rejected++
			log.Info("proposal not executed",
				"borrow_intent_id", p.BorrowIntentID,
				"error", err,
			)
		}
	}

	e.metrics.ObserveClearingRun("ok", len(res.Submitted), time.Since(start))
	log.Info("clearing run finished",
		"submitted", len(res.Submitted),
		"rejected", res.Rejected,
		"stale", res.Stale,
		"degraded", res.Degraded,
		"took", time.Since(start).String(),
	)
	return res, nil
}

func (e *Engine) submit(ctx context.Context, log *slog.Logger, p *Proposal) error {
	e.quote(ctx, log, p)

	claim := p.Claim()
	if err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.store.ClaimMatch(ctx, claim)
	}); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	loan, err := e.ledger.ExecuteLoan(callCtx, e.cfg.Operator, p.LoanRequest())
	cancel()
	if err != nil {
		if rerr := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
			return e.store.ReleaseMatch(ctx, claim)
		}); rerr != nil {
			log.Error("release claim failed",
				"borrow_intent_id", p.BorrowIntentID,
				"error", rerr,
			)
		}
		return err
	}
	p.LoanID = loan.ID
	return nil
}

// quote asks the ledger for the required collateral. When the ledger cannot
// answer, the proposal is priced at the fallback ratio and marked degraded.
func (e *Engine) quote(ctx context.Context, log *slog.Logger, p *Proposal) {
	var required decimal.Decimal
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var err error
		required, err = e.ledger.RequiredCollateral(ctx, p.Borrower, p.Principal)
		if err != nil && !domain.IsValidation(err) && !domain.IsState(err) {
			err = domain.Transient("ledger.RequiredCollateral", err)
		}
		return err
	})
	if err == nil {
		p.Collateral = required
		return
	}
	p.Collateral = domain.FallbackCollateral(p.Principal)
	p.Degraded = true
	e.metrics.IncCollateralFallback()
	log.Warn("collateral quote unavailable, using fallback ratio",
		"degraded", true,
		"borrow_intent_id", p.BorrowIntentID,
		"borrower", p.Borrower.Short(),
		"collateral", p.Collateral.String(),
		"error", err,
	)
}
