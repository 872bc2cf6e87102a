// Package indexer projects the ledger's event outbox into the query-side
// replica. Delivery is at least once; every projection is an idempotent
// upsert keyed by loan id, allocation id or event sequence.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/metrics"
	"github.com/ghostlend/protocol/internal/retry"
)

// ErrCursorAhead means the replica has projected events the ledger does not
// have, so it was built from a different ledger history.
var ErrCursorAhead = errors.New("replica cursor is ahead of the ledger")

// Source is the ledger as seen by the indexer.
type Source interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
	Loan(ctx context.Context, id int64) (*domain.Loan, error)
	Allocations(ctx context.Context, loanID int64) ([]domain.TrancheAllocation, error)
}

// Replica is the projection target.
type Replica interface {
	Cursor(ctx context.Context) (uint64, error)
	SaveCursor(ctx context.Context, seq uint64) error
	UpsertLoan(ctx context.Context, rec *domain.LoanRecord, positions []domain.LenderPosition) error
	SetLoanStatus(ctx context.Context, loanID int64, status domain.LoanStatus, at time.Time) error
	AppendActivity(ctx context.Context, rec *domain.ActivityRecord) error
}

// Listener is told about every activity record after it is projected.
type Listener interface {
	ActivityRecorded(rec domain.ActivityRecord)
}

// Config tunes an Indexer.
type Config struct {
	BatchSize int
	Retry     retry.Policy
}

// Indexer tails the ledger outbox. Events that still fail after retries are
// deferred to the next cycle; the persisted cursor stays below the lowest
// deferred sequence so a restart replays them.
type Indexer struct {
	src      Source
	replica  Replica
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.ProtocolMetrics
	listener Listener

	mu        sync.Mutex
	loaded    bool
	highWater uint64
	cursor    uint64
	deferred  map[uint64]domain.Event
}

// New creates an Indexer.
func New(src Source, replica Replica, cfg Config, logger *slog.Logger, m *metrics.ProtocolMetrics) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		src:      src,
		replica:  replica,
		cfg:      cfg,
		logger:   logger.With("component", "indexer"),
		metrics:  m,
		deferred: make(map[uint64]domain.Event),
	}
}

// SetListener registers the activity listener (typically the websocket hub).
func (ix *Indexer) SetListener(l Listener) { ix.listener = l }

// Status is a point-in-time view for operators.
type Status struct {
	Cursor    uint64   `json:"cursor"`
	HighWater uint64   `json:"high_water"`
	Deferred  []uint64 `json:"deferred"`
}

// Status reports cursor position and deferred events.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Status{Cursor: ix.cursor, HighWater: ix.highWater, Deferred: ix.deferredSeqs()}
}

// CheckCursor fails with ErrCursorAhead when the persisted cursor is past
// head. Events at or below the cursor are never fetched again, so such a
// replica would stop projecting until the ledger caught up.
func (ix *Indexer) CheckCursor(ctx context.Context, head uint64) error {
	var cur uint64
	err := retry.Do(ctx, ix.cfg.Retry, func(ctx context.Context) error {
		var err error
		cur, err = ix.replica.Cursor(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("indexer.CheckCursor: %w", err)
	}
	if cur > head {
		return fmt.Errorf("indexer.CheckCursor: cursor %d, ledger head %d: %w", cur, head, ErrCursorAhead)
	}
	return nil
}

// Sync runs one cycle: retry deferred events, then drain new events in
// batches. It returns how many events were projected.
func (ix *Indexer) Sync(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.loaded {
		var cur uint64
		err := retry.Do(ctx, ix.cfg.Retry, func(ctx context.Context) error {
			var err error
			cur, err = ix.replica.Cursor(ctx)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("indexer.Sync: load cursor: %w", err)
		}
		ix.cursor, ix.highWater, ix.loaded = cur, cur, true
		ix.logger.Info("indexer resuming", "cursor", cur)
	}

	projected := 0
	for _, seq := range ix.deferredSeqs() {
		ev := ix.deferred[seq]
		if err := ix.applyWithRetry(ctx, ev); err != nil {
			continue
		}
		delete(ix.deferred, seq)
		projected++
	}

	for {
		var events []domain.Event
		err := retry.Do(ctx, ix.cfg.Retry, func(ctx context.Context) error {
			var err error
			events, err = ix.src.Events(ctx, ix.highWater, ix.cfg.BatchSize)
			return err
		})
		if err != nil {
			ix.saveCursor(ctx)
			return projected, fmt.Errorf("indexer.Sync: fetch events: %w", err)
		}
		for _, ev := range events {
			if err := ix.applyWithRetry(ctx, ev); err != nil {
				ix.deferred[ev.Seq] = ev
				ix.metrics.IncDeferred()
				ix.logger.Warn("event deferred",
					"seq", ev.Seq,
					"type", ev.Type,
					"loan_id", ev.LoanID,
					"error", err,
				)
			} else {
				projected++
			}
			ix.highWater = ev.Seq
		}
		if len(events) < ix.cfg.BatchSize {
			break
		}
	}

	ix.saveCursor(ctx)
	return projected, nil
}

// saveCursor persists the highest sequence below every deferred event.
func (ix *Indexer) saveCursor(ctx context.Context) {
	next := ix.highWater
	if seqs := ix.deferredSeqs(); len(seqs) > 0 {
		next = seqs[0] - 1
	}
	if next <= ix.cursor {
		return
	}
	err := retry.Do(ctx, ix.cfg.Retry, func(ctx context.Context) error {
		return ix.replica.SaveCursor(ctx, next)
	})
	if err != nil {
		ix.logger.Warn("cursor not saved", "seq", next, "error", err)
		return
	}
	ix.cursor = next
	ix.metrics.SetCursor(next)
}

func (ix *Indexer) deferredSeqs() []uint64 {
	seqs := make([]uint64, 0, len(ix.deferred))
	for seq := range ix.deferred {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func (ix *Indexer) applyWithRetry(ctx context.Context, ev domain.Event) error {
	return retry.Do(ctx, ix.cfg.Retry, func(ctx context.Context) error {
		return ix.Apply(ctx, ev)
	})
}

// Apply projects a single event. Applying the same event twice leaves the
// replica exactly as applying it once.
func (ix *Indexer) Apply(ctx context.Context, ev domain.Event) error {
	var loanRef *int64
	details := ""

	switch ev.Type {
	case domain.EventLendDeposited, domain.EventLendWithdrawn,
		domain.EventCollateralDeposited, domain.EventCollateralWithdrawn:

	case domain.EventLoanCreated:
		loan, err := ix.src.Loan(ctx, ev.LoanID)
		if err != nil {
			return domain.Transient("indexer.fetch loan", err)
		}
		allocs, err := ix.src.Allocations(ctx, ev.LoanID)
		if err != nil {
			return domain.Transient("indexer.fetch allocations", err)
		}
		// The projection is the state at creation; later status events move it on.
		loan.Status = domain.LoanStatusActive
		for i := range allocs {
			allocs[i].Status = domain.LoanStatusActive
		}
		rec, positions := domain.NewLoanRecord(loan, allocs, ev.At)
		if err := ix.replica.UpsertLoan(ctx, rec, positions); err != nil {
			return err
		}
		loanRef = &ev.LoanID
		details = fmt.Sprintf("rate %d bps, %d lenders", loan.RateBps, len(allocs))

	case domain.EventLoanRepaid, domain.EventLoanDefaulted:
		status := domain.LoanStatusRepaid
		if ev.Type == domain.EventLoanDefaulted {
			status = domain.LoanStatusDefaulted
		}
		if err := ix.replica.SetLoanStatus(ctx, ev.LoanID, status, ev.At); err != nil {
			return err
		}
		loanRef = &ev.LoanID

	default:
		ix.logger.Warn("unknown event type skipped", "seq", ev.Seq, "type", ev.Type)
		return nil
	}

	act := domain.ActivityRecord{
		ID:        activityID(ev.Seq),
		EventSeq:  int64(ev.Seq),
		Address:   ev.Address,
		Type:      ev.Type.ActivityType(),
		Amount:    ev.Amount,
		Reference: loanRef,
		Details:   details,
		Timestamp: ev.At,
	}
	if err := ix.replica.AppendActivity(ctx, &act); err != nil {
		return err
	}
	ix.metrics.ObserveProjected(string(ev.Type))
	if ix.listener != nil {
		ix.listener.ActivityRecorded(act)
	}
	return nil
}

var activityNamespace = uuid.MustParse("6f1d6c1e-5b7a-4f0e-9c55-2a0a4b1f7e21")

// activityID derives a stable row id from the event sequence.
func activityID(seq uint64) uuid.UUID {
	return uuid.NewSHA1(activityNamespace, []byte(fmt.Sprintf("event:%d", seq)))
}

// Run drives Sync on every ledger wake-up and at least once per interval
// until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context, wake <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ix.syncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped")
			return
		case <-wake:
			ix.syncOnce(ctx)
		case <-ticker.C:
			ix.syncOnce(ctx)
		}
	}
}

func (ix *Indexer) syncOnce(ctx context.Context) {
	n, err := ix.Sync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			ix.logger.Error("indexer sync failed", "error", err)
		}
		return
	}
	if n > 0 {
		ix.logger.Debug("indexer synced", "projected", n)
	}
}
