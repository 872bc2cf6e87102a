// Package ledger is the settlement ledger: the single source of truth for
// lender balances, borrower collateral, loans and their tranche allocations.
//
// State lives in an in-memory arena guarded by one mutex. Every mutation is
// validated in full, collected into a Batch, written to the Journal and only
// then applied to the arena, so a rejected or failed call leaves no trace.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/metrics"
)

// Ledger serialises all state transitions of the lending protocol.
type Ledger struct {
	mu          sync.RWMutex
	lenders     map[domain.Address]domain.LenderAccount
	borrowers   map[domain.Address]domain.BorrowerAccount
	loans       map[int64]domain.Loan
	allocations map[int64][]domain.TrancheAllocation // by loan id, ascending allocation id
	events      []domain.Event                       // events[i].Seq == i+1
	nextLoanID  int64
	nextAllocID int64

	journal Journal
	auth    Authorizer
	policy  *domain.CollateralPolicy
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.ProtocolMetrics

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	subID  int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal makes the ledger durable.
func WithJournal(j Journal) Option { return func(l *Ledger) { l.journal = j } }

// WithAuthorizer installs the operator capability check.
func WithAuthorizer(a Authorizer) Option { return func(l *Ledger) { l.auth = a } }

// WithCollateralPolicy replaces the default 150 % policy.
func WithCollateralPolicy(p *domain.CollateralPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the parent logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithMetrics records ledger operation counters.
func WithMetrics(m *metrics.ProtocolMetrics) Option { return func(l *Ledger) { l.metrics = m } }

// New builds a ledger and replays the journal, if any.
func New(ctx context.Context, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		lenders:     make(map[domain.Address]domain.LenderAccount),
		borrowers:   make(map[domain.Address]domain.BorrowerAccount),
		loans:       make(map[int64]domain.Loan),
		allocations: make(map[int64][]domain.TrancheAllocation),
		nextLoanID:  1,
		nextAllocID: 1,
		journal:     nopJournal{},
		auth:        denyAll,
		policy:      domain.DefaultCollateralPolicy(),
		now:         time.Now,
		logger:      slog.Default(),
		subs:        make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")

	snap, err := l.journal.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger.New: load journal: %w", err)
	}
	l.apply(snap)
	l.logger.Info("ledger ready",
		"loans", len(l.loans),
		"lenders", len(l.lenders),
		"borrowers", len(l.borrowers),
		"last_seq", len(l.events),
	)
	return l, nil
}

// Close releases the journal.
func (l *Ledger) Close() error { return l.journal.Close() }

// apply installs a committed batch into the arena. Caller holds mu (or owns l).
func (l *Ledger) apply(b *Batch) {
	for _, a := range b.Lenders {
		l.lenders[a.Address] = a
	}
	for _, a := range b.Borrowers {
		l.borrowers[a.Address] = a
	}
	for _, loan := range b.Loans {
		l.loans[loan.ID] = loan
		if loan.ID >= l.nextLoanID {
			l.nextLoanID = loan.ID + 1
		}
	}
	touched := make(map[int64]struct{})
	for _, a := range b.Allocations {
		l.putAllocation(a)
		touched[a.LoanID] = struct{}{}
		if a.ID >= l.nextAllocID {
			l.nextAllocID = a.ID + 1
		}
	}
	for id := range touched {
		allocs := l.allocations[id]
		sort.Slice(allocs, func(i, j int) bool { return allocs[i].ID < allocs[j].ID })
	}
	l.events = append(l.events, b.Events...)
}

func (l *Ledger) putAllocation(a domain.TrancheAllocation) {
	allocs := l.allocations[a.LoanID]
	for i := range allocs {
		if allocs[i].ID == a.ID {
			allocs[i] = a
			return
		}
	}
	l.allocations[a.LoanID] = append(allocs, a)
}

// mutate runs fn against a fresh transaction under the write lock and commits
// it when fn succeeds.
func (l *Ledger) mutate(ctx context.Context, op string, fn func(tx *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	err := l.mutateLocked(ctx, fn)
	l.mu.Unlock()

	l.metrics.ObserveLedgerOp(op, err)
	if err != nil {
		return fmt.Errorf("ledger.%s: %w", op, err)
	}
	l.notify()
	return nil
}

func (l *Ledger) mutateLocked(ctx context.Context, fn func(tx *txn) error) error {
	tx := newTxn(l)
	if err := fn(tx); err != nil {
		return err
	}
	b := tx.batch()
	if err := l.journal.Commit(ctx, b); err != nil {
		return domain.Transient("journal.commit", err)
	}
	l.apply(b)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Read models
// ──────────────────────────────────────────────────────────────────────────────

// Loan returns a copy of the loan.
func (l *Ledger) Loan(_ context.Context, id int64) (*domain.Loan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loan, ok := l.loans[id]
	if !ok {
		return nil, fmt.Errorf("ledger.Loan %d: %w", id, domain.ErrLoanNotFound)
	}
	return &loan, nil
}

// Allocations returns the loan's allocations in ascending id order.
func (l *Ledger) Allocations(_ context.Context, loanID int64) ([]domain.TrancheAllocation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.loans[loanID]; !ok {
		return nil, fmt.Errorf("ledger.Allocations %d: %w", loanID, domain.ErrLoanNotFound)
	}
	return append([]domain.TrancheAllocation(nil), l.allocations[loanID]...), nil
}

// LenderAccount returns the lender's account; unseen addresses have zero balance.
func (l *Ledger) LenderAccount(_ context.Context, addr domain.Address) domain.LenderAccount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.lenders[addr]; ok {
		return a
	}
	return domain.LenderAccount{Address: addr, Balance: zero}
}

// BorrowerAccount returns the borrower's account; unseen addresses start at
// the default credit score.
func (l *Ledger) BorrowerAccount(_ context.Context, addr domain.Address) domain.BorrowerAccount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.borrowerLocked(addr)
}

func (l *Ledger) borrowerLocked(addr domain.Address) domain.BorrowerAccount {
	if a, ok := l.borrowers[addr]; ok {
		return a
	}
	return domain.BorrowerAccount{Address: addr, FreeCollateral: zero, CreditScore: domain.DefaultCreditScore}
}

// CreditScore returns the borrower's score, 500 if unseen.
func (l *Ledger) CreditScore(ctx context.Context, addr domain.Address) int {
	return l.BorrowerAccount(ctx, addr).CreditScore
}

// Events returns up to limit events with Seq > afterSeq.
func (l *Ledger) Events(_ context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if afterSeq >= uint64(len(l.events)) {
		return nil, nil
	}
	end := uint64(len(l.events))
	if limit > 0 && afterSeq+uint64(limit) < end {
		end = afterSeq + uint64(limit)
	}
	return append([]domain.Event(nil), l.events[afterSeq:end]...), nil
}

// LastSeq is the sequence of the most recent event, zero when empty.
func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Subscribe returns a channel that receives a value after each commit, and a
// cancel func. Wake-ups coalesce; readers call Events to see what changed.
func (l *Ledger) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.subsMu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = ch
	l.subsMu.Unlock()
	return ch, func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

func (l *Ledger) notify() {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
