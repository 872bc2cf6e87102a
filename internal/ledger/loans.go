package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

// RequiredCollateral quotes the minimum collateral for borrower to take a
// loan of principal under the current policy and credit score.
func (l *Ledger) RequiredCollateral(_ context.Context, borrower domain.Address, principal decimal.Decimal) (decimal.Decimal, error) {
	if !principal.IsPositive() {
		return zero, domain.NewValidationError("principal", "must be greater than zero")
	}
	l.mu.RLock()
	score := l.borrowerLocked(borrower).CreditScore
	l.mu.RUnlock()
	return l.policy.Required(score, principal), nil
}

// Owed returns what the borrower must pay to close the loan now.
func (l *Ledger) Owed(_ context.Context, loanID int64) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loan, ok := l.loans[loanID]
	if !ok {
		return zero, fmt.Errorf("ledger.Owed %d: %w", loanID, domain.ErrLoanNotFound)
	}
	return loan.OwedAt(l.now()), nil
}

// IsOverdue reports whether the loan is active and past its term.
func (l *Ledger) IsOverdue(_ context.Context, loanID int64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loan, ok := l.loans[loanID]
	if !ok {
		return false, fmt.Errorf("ledger.IsOverdue %d: %w", loanID, domain.ErrLoanNotFound)
	}
	return loan.IsOverdueAt(l.now()), nil
}

// ExecuteLoan opens a tranched loan. Only callers granted ActionExecuteLoan
// may call it. All lender debits, the collateral lock, the loan and its
// allocations are committed together or not at all.
func (l *Ledger) ExecuteLoan(ctx context.Context, caller domain.Address, req domain.LoanRequest) (*domain.Loan, error) {
	if err := l.auth.Authorize(ctx, caller, ActionExecuteLoan); err != nil {
		l.metrics.ObserveLedgerOp("ExecuteLoan", err)
		return nil, fmt.Errorf("ledger.ExecuteLoan: %w", err)
	}

	var out domain.Loan
	err := l.mutate(ctx, "ExecuteLoan", func(tx *txn) error {
		if err := validateLoanRequest(&req); err != nil {
			return err
		}

		if err := debitTranche(tx, req.Senior, domain.CodeSeniorInsufficient); err != nil {
			return err
		}
		if err := debitTranche(tx, req.Junior, domain.CodeJuniorInsufficient); err != nil {
			return err
		}

		b := tx.borrower(req.Borrower)
		required := l.policy.Required(b.CreditScore, req.Principal)
		if req.Collateral.LessThan(required) {
			return domain.NewStateError(domain.CodeBelowMinCollateral,
				"collateral %s < required %s", req.Collateral, required)
		}
		if req.Collateral.GreaterThan(b.FreeCollateral) {
			return domain.NewStateError(domain.CodeInsufficientCollateral,
				"free collateral %s < %s", b.FreeCollateral, req.Collateral)
		}
		b.FreeCollateral = b.FreeCollateral.Sub(req.Collateral)
		tx.putBorrower(b)

		loan := domain.Loan{
			ID:               tx.nextLoanID,
			Borrower:         req.Borrower,
			Principal:        req.Principal,
			CollateralLocked: req.Collateral,
			RateBps:          req.RateBps,
			DurationSecs:     req.DurationSecs,
			StartTime:        l.now().UTC(),
			Status:           domain.LoanStatusActive,
		}
		tx.nextLoanID++
		tx.putLoan(loan)

		for _, tranche := range []struct {
			allocs    []domain.Allocation
			seniority domain.Seniority
		}{{req.Senior, domain.Senior}, {req.Junior, domain.Junior}} {
			for _, a := range tranche.allocs {
				tx.putAllocation(domain.TrancheAllocation{
					ID:        tx.nextAllocID,
					LoanID:    loan.ID,
					Lender:    a.Lender,
					Amount:    a.Amount,
					Seniority: tranche.seniority,
					Status:    domain.LoanStatusActive,
				})
				tx.nextAllocID++
			}
		}

		tx.emit(domain.EventLoanCreated, loan.Borrower, loan.ID, loan.Principal)
		out = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loan executed",
		slog.Int64("loan_id", out.ID),
		slog.String("borrower", out.Borrower.Short()),
		slog.String("principal", out.Principal.String()),
		slog.Int64("rate_bps", out.RateBps),
		slog.Int("seniors", len(req.Senior)),
		slog.Int("juniors", len(req.Junior)),
	)
	return &out, nil
}

func validateLoanRequest(req *domain.LoanRequest) error {
	if req.Borrower == "" {
		return domain.NewValidationError("borrower", "is required")
	}
	if len(req.Senior)+len(req.Junior) == 0 {
		return domain.NewValidationError("allocations", "at least one lender required")
	}
	for _, list := range [][]domain.Allocation{req.Senior, req.Junior} {
		for _, a := range list {
			if a.Lender == "" {
				return domain.NewValidationError("allocations", "lender address missing")
			}
			if !a.Amount.IsPositive() {
				return domain.NewValidationError("allocations", "every allocation must be greater than zero")
			}
		}
	}
	if !req.Principal.IsPositive() {
		return domain.NewValidationError("principal", "must be greater than zero")
	}
	if !req.Total().Equal(req.Principal) {
		return domain.NewValidationError("allocations",
			fmt.Sprintf("sum %s does not equal principal %s", req.Total(), req.Principal))
	}
	if req.DurationSecs <= 0 {
		return domain.NewValidationError("duration", "must be greater than zero")
	}
	if req.RateBps < 0 {
		return domain.NewValidationError("rate", "must not be negative")
	}
	if req.Collateral.IsNegative() {
		return domain.NewValidationError("collateral", "must not be negative")
	}
	return nil
}

// debitTranche moves each allocation out of its lender's balance. A lender
// listed twice is checked against the balance left after the first debit.
func debitTranche(tx *txn, allocs []domain.Allocation, code domain.StateCode) error {
	for _, a := range allocs {
		acct := tx.lender(a.Lender)
		if acct.Balance.LessThan(a.Amount) {
			return domain.NewStateError(code, "lender %s balance %s < %s", a.Lender.Short(), acct.Balance, a.Amount)
		}
		acct.Balance = acct.Balance.Sub(a.Amount)
		tx.putLender(acct)
	}
	return nil
}

// Repay closes an active loan. value is what the borrower sends; anything
// above the amount owed is returned as change.
func (l *Ledger) Repay(ctx context.Context, caller domain.Address, loanID int64, value decimal.Decimal) (*domain.RepayResult, error) {
	var out domain.RepayResult
	err := l.mutate(ctx, "Repay", func(tx *txn) error {
		loan, ok := tx.loan(loanID)
		if !ok {
			return domain.ErrLoanNotFound
		}
		if caller != loan.Borrower {
			return &domain.AuthorizationError{Caller: caller, Action: "repay"}
		}
		if loan.Status != domain.LoanStatusActive {
			return domain.NewStateError(domain.CodeAlreadySettled, "loan %d is %s", loan.ID, loan.Status)
		}
		owed := loan.OwedAt(l.now())
		if value.LessThan(owed) {
			return domain.NewStateError(domain.CodeInsufficientRepayment, "sent %s, owed %s", value, owed)
		}

		interest := owed.Sub(loan.Principal)
		allocs := tx.allocations(loan.ID)
		payouts := make([]domain.Payout, 0, len(allocs))
		paid := zero
		for i, a := range allocs {
			var amt decimal.Decimal
			if i == len(allocs)-1 {
				amt = owed.Sub(paid)
			} else {
				share := interest.Mul(a.Amount).DivRound(loan.Principal, domain.AmountScale+6).RoundFloor(domain.AmountScale)
				amt = a.Amount.Add(share)
			}
			paid = paid.Add(amt)
			tx.creditLender(a.Lender, amt)
			a.Status = domain.LoanStatusRepaid
			tx.putAllocation(a)
			payouts = append(payouts, domain.Payout{AllocationID: a.ID, Lender: a.Lender, Seniority: a.Seniority, Amount: amt})
		}

		b := tx.borrower(loan.Borrower)
		b.FreeCollateral = b.FreeCollateral.Add(loan.CollateralLocked)
		b.CreditScore = min(b.CreditScore+domain.RepayScoreGain, domain.MaxCreditScore)
		tx.putBorrower(b)

		loan.Status = domain.LoanStatusRepaid
		tx.putLoan(loan)
		tx.emit(domain.EventLoanRepaid, loan.Borrower, loan.ID, owed)

		out = domain.RepayResult{Loan: loan, Owed: owed, Change: value.Sub(owed), Payouts: payouts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loan repaid",
		slog.Int64("loan_id", loanID),
		slog.String("owed", out.Owed.String()),
		slog.String("change", out.Change.String()),
	)
	return &out, nil
}

// Liquidate defaults an overdue loan and distributes its escrowed collateral:
// seniors are made whole first in allocation order, juniors share what is left
// pro rata. The borrower gets nothing back.
func (l *Ledger) Liquidate(ctx context.Context, caller domain.Address, loanID int64) (*domain.LiquidationResult, error) {
	if err := l.auth.Authorize(ctx, caller, ActionLiquidate); err != nil {
		l.metrics.ObserveLedgerOp("Liquidate", err)
		return nil, fmt.Errorf("ledger.Liquidate: %w", err)
	}

	var out domain.LiquidationResult
	err := l.mutate(ctx, "Liquidate", func(tx *txn) error {
		loan, ok := tx.loan(loanID)
		if !ok {
			return domain.ErrLoanNotFound
		}
		if loan.Status.IsTerminal() {
			return domain.NewStateError(domain.CodeAlreadySettled, "loan %d is %s", loan.ID, loan.Status)
		}
		if !loan.IsOverdueAt(l.now()) {
			return domain.NewStateError(domain.CodeNotOverdue, "loan %d due at %s", loan.ID, loan.DueAt().Format(time.RFC3339))
		}

		allocs := tx.allocations(loan.ID)
		shares := waterfall(allocs, loan.CollateralLocked)
		payouts := make([]domain.Payout, 0, len(allocs))
		for i, a := range allocs {
			if shares[i].IsPositive() {
				tx.creditLender(a.Lender, shares[i])
			}
			a.Status = domain.LoanStatusDefaulted
			tx.putAllocation(a)
			payouts = append(payouts, domain.Payout{AllocationID: a.ID, Lender: a.Lender, Seniority: a.Seniority, Amount: shares[i]})
		}

		b := tx.borrower(loan.Borrower)
		b.CreditScore = max(b.CreditScore-domain.DefaultScoreLoss, 0)
		tx.putBorrower(b)

		loan.Status = domain.LoanStatusDefaulted
		tx.putLoan(loan)
		tx.emit(domain.EventLoanDefaulted, loan.Borrower, loan.ID, loan.CollateralLocked)

		out = domain.LiquidationResult{Loan: loan, Payouts: payouts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Warn("loan liquidated",
		slog.Int64("loan_id", loanID),
		slog.String("borrower", out.Loan.Borrower.Short()),
		slog.String("collateral", out.Loan.CollateralLocked.String()),
	)
	return &out, nil
}

// waterfall splits escrow across allocs (ascending id). The returned slice is
// parallel to allocs and always sums to escrow.
func waterfall(allocs []domain.TrancheAllocation, escrow decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(allocs))
	for i := range shares {
		shares[i] = zero
	}

	var seniors, juniors []int
	for i, a := range allocs {
		if a.Seniority == domain.Junior {
			juniors = append(juniors, i)
		} else {
			seniors = append(seniors, i)
		}
	}

	remaining := escrow
	for _, i := range seniors {
		take := decimal.Min(remaining, allocs[i].Amount)
		shares[i] = take
		remaining = remaining.Sub(take)
	}
	if !remaining.IsPositive() {
		return shares
	}

	// Surplus goes to juniors; with no junior tranche the seniors share it.
	pool := juniors
	if len(pool) == 0 {
		pool = seniors
	}
	weight := zero
	for _, i := range pool {
		weight = weight.Add(allocs[i].Amount)
	}
	distributed := zero
	for n, i := range pool {
		var s decimal.Decimal
		if n == len(pool)-1 {
			s = remaining.Sub(distributed)
		} else {
			s = remaining.Mul(allocs[i].Amount).DivRound(weight, domain.AmountScale+6).RoundFloor(domain.AmountScale)
		}
		shares[i] = shares[i].Add(s)
		distributed = distributed.Add(s)
	}
	return shares
}
