package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/ledger"
)

func TestBoltJournal_ReplaysState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	j, err := ledger.OpenBoltJournal(path, nil)
	require.NoError(t, err)
	l, err := ledger.New(ctx,
		ledger.WithJournal(j),
		ledger.WithClock(clock.Now),
		ledger.WithAuthorizer(ledger.NewOperatorSet(operator)),
	)
	require.NoError(t, err)
	loan := fundedLoan(t, l)
	clock.Advance(year)
	_, err = l.Repay(ctx, borrower, loan.ID, d("10.5"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	j2, err := ledger.OpenBoltJournal(path, nil)
	require.NoError(t, err)
	restored, err := ledger.New(ctx,
		ledger.WithJournal(j2),
		ledger.WithClock(clock.Now),
		ledger.WithAuthorizer(ledger.NewOperatorSet(operator)),
	)
	require.NoError(t, err)
	defer restored.Close()

	require.True(t, restored.LenderAccount(ctx, senior).Balance.Equal(d("100.3")))
	require.Equal(t, 550, restored.CreditScore(ctx, borrower))
	got, err := restored.Loan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusRepaid, got.Status)
	allocs, err := restored.Allocations(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	require.Equal(t, uint64(5), restored.LastSeq())

	// New ids continue after the replayed ones.
	_, err = restored.DepositCollateral(ctx, borrower, d("15"))
	require.NoError(t, err)
	next, err := restored.ExecuteLoan(ctx, operator, tenLoan())
	require.NoError(t, err)
	require.Equal(t, loan.ID+1, next.ID)
	allocs, err = restored.Allocations(ctx, next.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), allocs[0].ID)
}

// failingJournal rejects every commit.
type failingJournal struct{}

func (failingJournal) Load(context.Context) (*ledger.Batch, error) { return &ledger.Batch{}, nil }
func (failingJournal) Commit(context.Context, *ledger.Batch) error {
	return errors.New("disk full")
}
func (failingJournal) Close() error { return nil }

func TestJournalFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, ledger.WithJournal(failingJournal{}))

	_, err := l.DepositLend(ctx, senior, d("5"))
	require.True(t, domain.IsTransient(err), "got %v", err)
	require.True(t, l.LenderAccount(ctx, senior).Balance.IsZero())
	require.Zero(t, l.LastSeq())
}
