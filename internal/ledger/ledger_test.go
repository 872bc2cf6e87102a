package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/ledger"
)

const year = 365 * 24 * time.Hour

var (
	operator = domain.MustParseAddress("0x00000000000000000000000000000000000000aa")
	senior   = domain.MustParseAddress("0x0000000000000000000000000000000000000001")
	junior   = domain.MustParseAddress("0x0000000000000000000000000000000000000002")
	borrower = domain.MustParseAddress("0x0000000000000000000000000000000000000003")
	stranger = domain.MustParseAddress("0x0000000000000000000000000000000000000004")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(by time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(by)
	c.mu.Unlock()
}

func newLedger(t *testing.T, opts ...ledger.Option) (*ledger.Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	base := []ledger.Option{
		ledger.WithClock(clock.Now),
		ledger.WithAuthorizer(ledger.NewOperatorSet(operator)),
	}
	l, err := ledger.New(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

// fundedLoan sets up the 6/4 tranche loan used throughout: principal 10,
// collateral 15, 500 bps, one year.
func fundedLoan(t *testing.T, l *ledger.Ledger) *domain.Loan {
	t.Helper()
	ctx := context.Background()
	_, err := l.DepositLend(ctx, senior, d("100"))
	require.NoError(t, err)
	_, err = l.DepositLend(ctx, junior, d("100"))
	require.NoError(t, err)
	_, err = l.DepositCollateral(ctx, borrower, d("15"))
	require.NoError(t, err)

	loan, err := l.ExecuteLoan(ctx, operator, tenLoan())
	require.NoError(t, err)
	return loan
}

func tenLoan() domain.LoanRequest {
	return domain.LoanRequest{
		Borrower:     borrower,
		Senior:       []domain.Allocation{{Lender: senior, Amount: d("6")}},
		Junior:       []domain.Allocation{{Lender: junior, Amount: d("4")}},
		Principal:    d("10"),
		Collateral:   d("15"),
		RateBps:      500,
		DurationSecs: int64(year / time.Second),
	}
}

// ── Accounts ──────────────────────────────────────────────────────────────────

func TestDepositAndWithdrawLend(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	acct, err := l.DepositLend(ctx, senior, d("5"))
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("5")))

	_, err = l.DepositLend(ctx, senior, decimal.Zero)
	require.True(t, domain.IsValidation(err), "got %v", err)

	acct, err = l.WithdrawLend(ctx, senior, d("2"))
	require.NoError(t, err)
	require.True(t, acct.Balance.Equal(d("3")))

	_, err = l.WithdrawLend(ctx, senior, d("3.000000000000000001"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.True(t, l.LenderAccount(ctx, senior).Balance.Equal(d("3")))
}

func TestCollateralDepositWithdraw(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.DepositCollateral(ctx, borrower, d("-1"))
	require.True(t, domain.IsValidation(err))

	acct, err := l.DepositCollateral(ctx, borrower, d("20"))
	require.NoError(t, err)
	require.True(t, acct.FreeCollateral.Equal(d("20")))
	require.Equal(t, domain.DefaultCreditScore, acct.CreditScore)

	_, err = l.WithdrawCollateral(ctx, borrower, d("21"))
	require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

	acct, err = l.WithdrawCollateral(ctx, borrower, d("20"))
	require.NoError(t, err)
	require.True(t, acct.FreeCollateral.IsZero())
}

func TestCreditScoreDefaultsTo500(t *testing.T) {
	l, _ := newLedger(t)
	require.Equal(t, 500, l.CreditScore(context.Background(), stranger))
}

func TestRequiredCollateralDefaultScore(t *testing.T) {
	l, _ := newLedger(t)
	got, err := l.RequiredCollateral(context.Background(), stranger, d("10"))
	require.NoError(t, err)
	require.True(t, got.Equal(d("15")), "got %s", got)
}

// ── ExecuteLoan ───────────────────────────────────────────────────────────────

func TestExecuteLoan_DebitsAndLocks(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	loan := fundedLoan(t, l)

	require.Equal(t, domain.LoanStatusActive, loan.Status)
	require.True(t, l.LenderAccount(ctx, senior).Balance.Equal(d("94")))
	require.True(t, l.LenderAccount(ctx, junior).Balance.Equal(d("96")))
	require.True(t, l.BorrowerAccount(ctx, borrower).FreeCollateral.IsZero())

	allocs, err := l.Allocations(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	require.Equal(t, domain.Senior, allocs[0].Seniority)
	require.Equal(t, domain.Junior, allocs[1].Seniority)
	require.True(t, allocs[0].Amount.Add(allocs[1].Amount).Equal(loan.Principal))
}

func TestExecuteLoan_RequiresOperator(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.ExecuteLoan(context.Background(), stranger, tenLoan())
	require.True(t, domain.IsAuthorization(err), "got %v", err)
}

func TestExecuteLoan_Rejections(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		setup func(l *ledger.Ledger)
		mod   func(r *domain.LoanRequest)
		check func(t *testing.T, err error)
	}{
		{
			name: "sum mismatch",
			mod:  func(r *domain.LoanRequest) { r.Principal = d("11") },
			check: func(t *testing.T, err error) {
				require.True(t, domain.IsValidation(err), "got %v", err)
			},
		},
		{
			name: "zero allocation",
			mod: func(r *domain.LoanRequest) {
				r.Junior = append(r.Junior, domain.Allocation{Lender: stranger, Amount: decimal.Zero})
			},
			check: func(t *testing.T, err error) { require.True(t, domain.IsValidation(err)) },
		},
		{
			name: "senior short",
			setup: func(l *ledger.Ledger) {
				_, _ = l.WithdrawLend(ctx, senior, d("95"))
				_, _ = l.WithdrawLend(ctx, junior, d("97"))
			},
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, domain.ErrSeniorInsufficient) },
		},
		{
			name:  "junior short",
			setup: func(l *ledger.Ledger) { _, _ = l.WithdrawLend(ctx, junior, d("97")) },
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, domain.ErrJuniorInsufficient) },
		},
		{
			name:  "below min collateral",
			mod:   func(r *domain.LoanRequest) { r.Collateral = d("14.99") },
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, domain.ErrBelowMinCollateral) },
		},
		{
			name:  "free collateral short",
			setup: func(l *ledger.Ledger) { _, _ = l.WithdrawCollateral(ctx, borrower, d("1")) },
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, domain.ErrInsufficientCollateral) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newLedger(t)
			_, err := l.DepositLend(ctx, senior, d("100"))
			require.NoError(t, err)
			_, err = l.DepositLend(ctx, junior, d("100"))
			require.NoError(t, err)
			_, err = l.DepositCollateral(ctx, borrower, d("15"))
			require.NoError(t, err)
			if tc.setup != nil {
				tc.setup(l)
			}
			seniorBefore := l.LenderAccount(ctx, senior).Balance
			juniorBefore := l.LenderAccount(ctx, junior).Balance
			collBefore := l.BorrowerAccount(ctx, borrower).FreeCollateral
			seqBefore := l.LastSeq()

			req := tenLoan()
			if tc.mod != nil {
				tc.mod(&req)
			}
			_, err = l.ExecuteLoan(ctx, operator, req)
			tc.check(t, err)

			// Nothing from a rejected call is visible.
			require.True(t, l.LenderAccount(ctx, senior).Balance.Equal(seniorBefore))
			require.True(t, l.LenderAccount(ctx, junior).Balance.Equal(juniorBefore))
			require.True(t, l.BorrowerAccount(ctx, borrower).FreeCollateral.Equal(collBefore))
			require.Equal(t, seqBefore, l.LastSeq())
		})
	}
}

func TestExecuteLoan_ConcurrentWithdrawNeverOverdraws(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.DepositLend(ctx, senior, d("6"))
	require.NoError(t, err)
	_, err = l.DepositLend(ctx, junior, d("4"))
	require.NoError(t, err)
	_, err = l.DepositCollateral(ctx, borrower, d("15"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var loanErr, withdrawErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, loanErr = l.ExecuteLoan(ctx, operator, tenLoan())
	}()
	go func() {
		defer wg.Done()
		_, withdrawErr = l.WithdrawLend(ctx, senior, d("6"))
	}()
	wg.Wait()

	// Exactly one of them can win the senior's 6.
	require.True(t, (loanErr == nil) != (withdrawErr == nil), "loan=%v withdraw=%v", loanErr, withdrawErr)
	require.False(t, l.LenderAccount(ctx, senior).Balance.IsNegative())
}

// ── Owed / Repay ──────────────────────────────────────────────────────────────

func TestOwedAfterFullTerm(t *testing.T) {
	l, clock := newLedger(t)
	loan := fundedLoan(t, l)
	clock.Advance(year)

	owed, err := l.Owed(context.Background(), loan.ID)
	require.NoError(t, err)
	require.True(t, owed.Equal(d("10.5")), "owed %s", owed)

	clock.Advance(year)
	owed, err = l.Owed(context.Background(), loan.ID)
	require.NoError(t, err)
	require.True(t, owed.Equal(d("10.5")), "owed keeps growing: %s", owed)
}

func TestRepay_PaysProRataAndRestoresCollateral(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	loan := fundedLoan(t, l)
	clock.Advance(year)

	res, err := l.Repay(ctx, borrower, loan.ID, d("11"))
	require.NoError(t, err)
	require.True(t, res.Owed.Equal(d("10.5")))
	require.True(t, res.Change.Equal(d("0.5")))
	require.Equal(t, domain.LoanStatusRepaid, res.Loan.Status)

	// Pre-loan balances were 100 each.
	require.True(t, l.LenderAccount(ctx, senior).Balance.Equal(d("100.3")), "senior %s", l.LenderAccount(ctx, senior).Balance)
	require.True(t, l.LenderAccount(ctx, junior).Balance.Equal(d("100.2")), "junior %s", l.LenderAccount(ctx, junior).Balance)
	require.True(t, res.Payouts[0].Amount.Equal(d("6.3")))
	require.True(t, res.Payouts[1].Amount.Equal(d("4.2")))

	b := l.BorrowerAccount(ctx, borrower)
	require.True(t, b.FreeCollateral.Equal(d("15")))
	require.Equal(t, 550, b.CreditScore)

	allocs, err := l.Allocations(ctx, loan.ID)
	require.NoError(t, err)
	for _, a := range allocs {
		require.Equal(t, domain.LoanStatusRepaid, a.Status)
	}
}

func TestRepay_Rejections(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	loan := fundedLoan(t, l)
	clock.Advance(year)

	_, err := l.Repay(ctx, stranger, loan.ID, d("11"))
	require.True(t, domain.IsAuthorization(err))

	_, err = l.Repay(ctx, borrower, loan.ID, d("10.49"))
	require.ErrorIs(t, err, domain.ErrInsufficientRepayment)

	_, err = l.Repay(ctx, borrower, loan.ID, d("10.5"))
	require.NoError(t, err)

	_, err = l.Repay(ctx, borrower, loan.ID, d("10.5"))
	require.ErrorIs(t, err, domain.ErrAlreadySettled)

	_, err = l.Repay(ctx, borrower, 999, d("1"))
	require.ErrorIs(t, err, domain.ErrLoanNotFound)
}

func TestRepay_RemainderGoesToLastAllocation(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	a := domain.MustParseAddress("0x0000000000000000000000000000000000000011")
	b := domain.MustParseAddress("0x0000000000000000000000000000000000000012")
	c := domain.MustParseAddress("0x0000000000000000000000000000000000000013")
	for _, lender := range []domain.Address{a, b, c} {
		_, err := l.DepositLend(ctx, lender, d("1"))
		require.NoError(t, err)
	}
	_, err := l.DepositCollateral(ctx, borrower, d("100"))
	require.NoError(t, err)

	loan, err := l.ExecuteLoan(ctx, operator, domain.LoanRequest{
		Borrower: borrower,
		Senior: []domain.Allocation{
			{Lender: a, Amount: d("1")},
			{Lender: b, Amount: d("1")},
			{Lender: c, Amount: d("1")},
		},
		Principal:    d("3"),
		Collateral:   d("4.5"),
		RateBps:      1000,
		DurationSecs: 7,
	})
	require.NoError(t, err)
	clock.Advance(3 * time.Second)

	res, err := l.Repay(ctx, borrower, loan.ID, d("5"))
	require.NoError(t, err)
	total := decimal.Zero
	for _, p := range res.Payouts {
		total = total.Add(p.Amount)
	}
	require.True(t, total.Equal(res.Owed), "payouts %s != owed %s", total, res.Owed)
}

// ── Liquidate ─────────────────────────────────────────────────────────────────

func TestLiquidate_SeniorFirstJuniorTakesSurplus(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	loan := fundedLoan(t, l)
	clock.Advance(year + time.Second)

	res, err := l.Liquidate(ctx, operator, loan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusDefaulted, res.Loan.Status)

	// 94 + 6 and 96 + 9.
	require.True(t, l.LenderAccount(ctx, senior).Balance.Equal(d("100")))
	require.True(t, l.LenderAccount(ctx, junior).Balance.Equal(d("105")))

	b := l.BorrowerAccount(ctx, borrower)
	require.True(t, b.FreeCollateral.IsZero())
	require.Equal(t, 350, b.CreditScore)

	_, err = l.Liquidate(ctx, operator, loan.ID)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = l.Repay(ctx, borrower, loan.ID, d("100"))
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestLiquidate_NotOverdue(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	loan := fundedLoan(t, l)

	_, err := l.Liquidate(ctx, operator, loan.ID)
	require.ErrorIs(t, err, domain.ErrNotOverdue)

	clock.Advance(year)
	_, err = l.Liquidate(ctx, operator, loan.ID)
	require.ErrorIs(t, err, domain.ErrNotOverdue, "exactly at due time is not overdue")

	_, err = l.Liquidate(ctx, stranger, loan.ID)
	require.True(t, domain.IsAuthorization(err))
}

func TestLiquidate_ExactCollateralCoversPrincipal(t *testing.T) {
	ctx := context.Background()
	s2 := domain.MustParseAddress("0x0000000000000000000000000000000000000021")

	policy, err := domain.NewCollateralPolicy([]domain.CollateralTier{{MinScore: 0, RatioBps: 10000}})
	require.NoError(t, err)
	l, clock := newLedger(t, ledger.WithCollateralPolicy(policy))

	for _, lender := range []domain.Address{senior, s2, junior} {
		_, err := l.DepositLend(ctx, lender, d("10"))
		require.NoError(t, err)
	}
	_, err = l.DepositCollateral(ctx, borrower, d("10"))
	require.NoError(t, err)
	_, err = l.ExecuteLoan(ctx, operator, domain.LoanRequest{
		Borrower:     borrower,
		Senior:       []domain.Allocation{{Lender: senior, Amount: d("6")}, {Lender: s2, Amount: d("3")}},
		Junior:       []domain.Allocation{{Lender: junior, Amount: d("1")}},
		Principal:    d("10"),
		Collateral:   d("8"),
		RateBps:      0,
		DurationSecs: 60,
	})
	require.ErrorIs(t, err, domain.ErrBelowMinCollateral)

	loan, err := l.ExecuteLoan(ctx, operator, domain.LoanRequest{
		Borrower:     borrower,
		Senior:       []domain.Allocation{{Lender: senior, Amount: d("6")}, {Lender: s2, Amount: d("3")}},
		Junior:       []domain.Allocation{{Lender: junior, Amount: d("1")}},
		Principal:    d("10"),
		Collateral:   d("10"),
		RateBps:      0,
		DurationSecs: 60,
	})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := l.Liquidate(ctx, operator, loan.ID)
	require.NoError(t, err)
	require.True(t, res.Payouts[0].Amount.Equal(d("6")))
	require.True(t, res.Payouts[1].Amount.Equal(d("3")))
	require.True(t, res.Payouts[2].Amount.Equal(d("1")))
}

func TestLiquidate_NoJuniorSurplusToSeniors(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	s2 := domain.MustParseAddress("0x0000000000000000000000000000000000000021")
	_, err := l.DepositLend(ctx, senior, d("10"))
	require.NoError(t, err)
	_, err = l.DepositLend(ctx, s2, d("10"))
	require.NoError(t, err)
	_, err = l.DepositCollateral(ctx, borrower, d("30"))
	require.NoError(t, err)

	loan, err := l.ExecuteLoan(ctx, operator, domain.LoanRequest{
		Borrower:     borrower,
		Senior:       []domain.Allocation{{Lender: senior, Amount: d("6")}, {Lender: s2, Amount: d("4")}},
		Principal:    d("10"),
		Collateral:   d("20"),
		RateBps:      100,
		DurationSecs: 60,
	})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	res, err := l.Liquidate(ctx, operator, loan.ID)
	require.NoError(t, err)
	// 20 escrow: 6 + 4 principal, surplus 10 split 6:4.
	require.True(t, res.Payouts[0].Amount.Equal(d("12")))
	require.True(t, res.Payouts[1].Amount.Equal(d("8")))
}

func TestCreditScoreAccumulatesAndClamps(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	_, err := l.DepositLend(ctx, senior, d("1000"))
	require.NoError(t, err)
	_, err = l.DepositCollateral(ctx, borrower, d("1000"))
	require.NoError(t, err)

	open := func() *domain.Loan {
		loan, err := l.ExecuteLoan(ctx, operator, domain.LoanRequest{
			Borrower:     borrower,
			Senior:       []domain.Allocation{{Lender: senior, Amount: d("1")}},
			Principal:    d("1"),
			Collateral:   d("1.5"),
			DurationSecs: 10,
		})
		require.NoError(t, err)
		return loan
	}

	for i := 0; i < 4; i++ {
		loan := open()
		clock.Advance(11 * time.Second)
		_, err := l.Liquidate(ctx, operator, loan.ID)
		require.NoError(t, err)
	}
	require.Equal(t, 0, l.CreditScore(ctx, borrower))

	for i := 0; i < 25; i++ {
		loan := open()
		_, err := l.Repay(ctx, borrower, loan.ID, d("2"))
		require.NoError(t, err)
	}
	require.Equal(t, domain.MaxCreditScore, l.CreditScore(ctx, borrower))
}

// ── Outbox ────────────────────────────────────────────────────────────────────

func TestEventsAreSequenced(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()
	wake, cancel := l.Subscribe()
	defer cancel()

	loan := fundedLoan(t, l)
	clock.Advance(year)
	_, err := l.Repay(ctx, borrower, loan.ID, d("10.5"))
	require.NoError(t, err)

	select {
	case <-wake:
	default:
		t.Fatal("subscriber was not woken")
	}

	events, err := l.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		require.Equal(t, uint64(i+1), e.Seq)
	}
	require.Equal(t, domain.EventLoanCreated, events[3].Type)
	require.Equal(t, domain.EventLoanRepaid, events[4].Type)
	require.Equal(t, loan.ID, events[4].LoanID)

	page, err := l.Events(ctx, 3, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, uint64(4), page[0].Seq)

	tail, err := l.Events(ctx, 5, 10)
	require.NoError(t, err)
	require.Empty(t, tail)
}
