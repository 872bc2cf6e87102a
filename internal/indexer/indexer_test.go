package indexer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/indexer"
	"github.com/ghostlend/protocol/internal/ledger"
	"github.com/ghostlend/protocol/internal/repository"
	"github.com/ghostlend/protocol/internal/retry"
)

var (
	operator = domain.MustParseAddress("0x00000000000000000000000000000000000000ff")
	senior   = domain.MustParseAddress("0x0000000000000000000000000000000000000001")
	junior   = domain.MustParseAddress("0x0000000000000000000000000000000000000002")
	borrower = domain.MustParseAddress("0x0000000000000000000000000000000000000003")
)

var fastRetry = retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(by time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(by)
	c.mu.Unlock()
}

// recorder collects listener callbacks.
type recorder struct {
	mu   sync.Mutex
	seen []domain.ActivityRecord
}

func (r *recorder) ActivityRecorded(rec domain.ActivityRecord) {
	r.mu.Lock()
	r.seen = append(r.seen, rec)
	r.mu.Unlock()
}

// scenario opens and repays the 6/4 loan.
func scenario(t *testing.T) (*ledger.Ledger, *domain.Loan) {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, err := ledger.New(ctx, ledger.WithClock(c.Now), ledger.WithAuthorizer(ledger.NewOperatorSet(operator)))
	require.NoError(t, err)

	_, err = l.DepositLend(ctx, senior, d("100"))
	require.NoError(t, err)
	_, err = l.DepositLend(ctx, junior, d("100"))
	require.NoError(t, err)
	_, err = l.DepositCollateral(ctx, borrower, d("15"))
	require.NoError(t, err)
	loan, err := l.ExecuteLoan(ctx, operator, domain.LoanRequest{
		Borrower:     borrower,
		Senior:       []domain.Allocation{{Lender: senior, Amount: d("6")}},
		Junior:       []domain.Allocation{{Lender: junior, Amount: d("4")}},
		Principal:    d("10"),
		Collateral:   d("15"),
		RateBps:      500,
		DurationSecs: 3600,
	})
	require.NoError(t, err)
	c.Advance(time.Hour)
	_, err = l.Repay(ctx, borrower, loan.ID, d("10.5"))
	require.NoError(t, err)
	return l, loan
}

func TestSync_ProjectsLedger(t *testing.T) {
	ctx := context.Background()
	l, loan := scenario(t)
	store := repository.NewMemoryStore()
	rec := &recorder{}
	ix := indexer.New(l, store, indexer.Config{BatchSize: 2, Retry: fastRetry}, nil, nil)
	ix.SetListener(rec)

	n, err := ix.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	row, err := store.LoanByID(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusRepaid, row.Status)
	require.Equal(t, domain.AddressList{senior}, row.SeniorLenders)
	require.Equal(t, domain.AddressList{junior}, row.JuniorLenders)
	require.True(t, row.SeniorAmounts[0].Equal(d("6")))

	positions, err := store.PositionsByLender(ctx, junior)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, domain.Junior, positions[0].Seniority)
	require.Equal(t, domain.LoanStatusRepaid, positions[0].Status)

	feed, err := store.Activity(ctx, borrower, 50, 0)
	require.NoError(t, err)
	require.Len(t, feed, 3)
	require.Equal(t, domain.ActivityDepositCollateral, feed[0].Type)
	require.Equal(t, domain.ActivityLoanCreated, feed[1].Type)
	require.Equal(t, domain.ActivityLoanRepaid, feed[2].Type)

	cur, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), cur)
	require.Len(t, rec.seen, 5)

	// Nothing new on the next cycle.
	n, err = ix.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// snapshot captures everything the replica exposes for the scenario.
func snapshot(t *testing.T, s *repository.MemoryStore) any {
	t.Helper()
	ctx := context.Background()
	var out []any
	for _, addr := range []domain.Address{senior, junior, borrower} {
		feed, err := s.Activity(ctx, addr, 0, 0)
		require.NoError(t, err)
		pos, err := s.PositionsByLender(ctx, addr)
		require.NoError(t, err)
		loans, err := s.LoansByBorrower(ctx, addr)
		require.NoError(t, err)
		out = append(out, feed, pos, loans)
	}
	return out
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := scenario(t)
	events, err := l.Events(ctx, 0, 0)
	require.NoError(t, err)

	once := repository.NewMemoryStore()
	twice := repository.NewMemoryStore()
	ixOnce := indexer.New(l, once, indexer.Config{Retry: fastRetry}, nil, nil)
	ixTwice := indexer.New(l, twice, indexer.Config{Retry: fastRetry}, nil, nil)

	for _, ev := range events {
		require.NoError(t, ixOnce.Apply(ctx, ev))
		require.NoError(t, ixTwice.Apply(ctx, ev))
		require.NoError(t, ixTwice.Apply(ctx, ev))
	}
	// Replaying creation after the terminal status must not roll it back.
	require.NoError(t, ixTwice.Apply(ctx, events[3]))
	require.NoError(t, ixOnce.Apply(ctx, events[3]))

	require.Equal(t, snapshot(t, once), snapshot(t, twice))
}

// flakyReplica fails the first N loan upserts with a transient error.
type flakyReplica struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyReplica) UpsertLoan(ctx context.Context, rec *domain.LoanRecord, pos []domain.LenderPosition) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return domain.Transient("replica.upsert", errors.New("connection reset"))
	}
	f.mu.Unlock()
	return f.MemoryStore.UpsertLoan(ctx, rec, pos)
}

func TestSync_DefersMissingPrerequisite(t *testing.T) {
	ctx := context.Background()
	l, loan := scenario(t)
	store := &flakyReplica{MemoryStore: repository.NewMemoryStore(), failures: int(fastRetry.MaxAttempts)}
	ix := indexer.New(l, store, indexer.Config{Retry: fastRetry}, nil, nil)

	// LoanCreated (seq 4) exhausts its retries, so the repay (seq 5) finds no
	// loan row. Both wait for the next cycle.
	n, err := ix.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []uint64{4, 5}, ix.Status().Deferred)
	cur, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cur, "cursor never passes a deferred event")

	n, err = ix.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, ix.Status().Deferred)

	row, err := store.LoanByID(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusRepaid, row.Status)
	cur, err = store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), cur)
}

func TestRun_WakesOnLedgerCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := ledger.New(ctx)
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	ix := indexer.New(l, store, indexer.Config{Retry: fastRetry}, nil, nil)
	wake, unsubscribe := l.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		ix.Run(ctx, wake, time.Hour)
		close(done)
	}()

	_, err = l.DepositLend(ctx, senior, d("1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		feed, _ := store.Activity(context.Background(), senior, 0, 0)
		return len(feed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCheckCursor_RejectsReplicaAheadOfLedger(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveCursor(ctx, 7))

	fresh, err := ledger.New(ctx, ledger.WithAuthorizer(ledger.NewOperatorSet(operator)))
	require.NoError(t, err)
	ix := indexer.New(fresh, store, indexer.Config{Retry: fastRetry}, nil, nil)
	require.ErrorIs(t, ix.CheckCursor(ctx, fresh.LastSeq()), indexer.ErrCursorAhead)

	l, _ := scenario(t)
	caught := repository.NewMemoryStore()
	ix = indexer.New(l, caught, indexer.Config{Retry: fastRetry}, nil, nil)
	_, err = ix.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, ix.CheckCursor(ctx, l.LastSeq()))
}
