package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/repository"
)

// ──────────────────────────────────────────────────────────────────────────────
// Dependencies
// ──────────────────────────────────────────────────────────────────────────────

// MarketReader is the intent side of the read model.
type MarketReader interface {
	ActiveByAddress(ctx context.Context, addr domain.Address) ([]domain.Intent, error)
	OrderBook(ctx context.Context) (*domain.OrderBook, error)
	Totals(ctx context.Context) (*repository.IntentTotals, error)
}

// ReplicaReader is the loan side of the read model, fed by the indexer.
type ReplicaReader interface {
	LoanByID(ctx context.Context, id int64) (*domain.LoanRecord, error)
	LoansByBorrower(ctx context.Context, addr domain.Address) ([]domain.LoanRecord, error)
	PositionsByLender(ctx context.Context, addr domain.Address) ([]domain.LenderPosition, error)
	Activity(ctx context.Context, addr domain.Address, limit, offset int) ([]domain.ActivityRecord, error)
	OverdueLoans(ctx context.Context, now time.Time) ([]domain.LoanRecord, error)
	ActiveLoanTotals(ctx context.Context) (int, decimal.Decimal, error)
}

// AccountReader reads live balances and scores straight from the ledger.
type AccountReader interface {
	LenderAccount(ctx context.Context, addr domain.Address) domain.LenderAccount
	BorrowerAccount(ctx context.Context, addr domain.Address) domain.BorrowerAccount
}

// ──────────────────────────────────────────────────────────────────────────────
// Views
// ──────────────────────────────────────────────────────────────────────────────

// LoanPositions splits an address's loans by role.
type LoanPositions struct {
	AsBorrower []domain.LoanRecord     `json:"as_borrower"`
	AsLender   []domain.LenderPosition `json:"as_lender"`
}

// LendView is an address's lending side: idle balance plus funded positions.
type LendView struct {
	Address   domain.Address          `json:"address"`
	Balance   decimal.Decimal         `json:"balance"`
	Positions []domain.LenderPosition `json:"positions"`
}

// BorrowView is an address's borrowing side.
type BorrowView struct {
	Address        domain.Address      `json:"address"`
	FreeCollateral decimal.Decimal     `json:"free_collateral"`
	Loans          []domain.LoanRecord `json:"loans"`
}

// CreditView reports a score and the collateral ratio it earns.
type CreditView struct {
	Address            domain.Address `json:"address"`
	Score              int            `json:"score"`
	CollateralRatioBps int64          `json:"collateral_ratio_bps"`
}

// Activity page bounds.
const (
	DefaultActivityLimit = 50
	MaxActivityLimit     = 500
)

// ──────────────────────────────────────────────────────────────────────────────
// QueryService
// ──────────────────────────────────────────────────────────────────────────────

// QueryService answers read-only questions from the replica and the ledger.
type QueryService struct {
	market   MarketReader
	replica  ReplicaReader
	accounts AccountReader
	policy   *domain.CollateralPolicy
	now      func() time.Time
}

// NewQueryService creates a QueryService.
func NewQueryService(market MarketReader, replica ReplicaReader, accounts AccountReader, policy *domain.CollateralPolicy) *QueryService {
	if policy == nil {
		policy = domain.DefaultCollateralPolicy()
	}
	return &QueryService{market: market, replica: replica, accounts: accounts, policy: policy, now: time.Now}
}

// ActiveIntents lists an address's open intents.
func (s *QueryService) ActiveIntents(ctx context.Context, raw string) ([]domain.Intent, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	out, err := s.market.ActiveByAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("query_service.ActiveIntents: %w", err)
	}
	return nonNil(out), nil
}

// Loan returns one replicated loan.
func (s *QueryService) Loan(ctx context.Context, id int64) (*domain.LoanRecord, error) {
	rec, err := s.replica.LoanByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query_service.Loan: %w", err)
	}
	return rec, nil
}

// Loans returns an address's loans as borrower and its positions as lender.
func (s *QueryService) Loans(ctx context.Context, raw string) (*LoanPositions, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	borrowed, err := s.replica.LoansByBorrower(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("query_service.Loans: %w", err)
	}
	lent, err := s.replica.PositionsByLender(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("query_service.Loans: %w", err)
	}
	return &LoanPositions{AsBorrower: nonNil(borrowed), AsLender: nonNil(lent)}, nil
}

// Lends returns an address's idle lending balance and funded positions.
func (s *QueryService) Lends(ctx context.Context, raw string) (*LendView, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	positions, err := s.replica.PositionsByLender(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("query_service.Lends: %w", err)
	}
	acct := s.accounts.LenderAccount(ctx, addr)
	return &LendView{Address: addr, Balance: acct.Balance, Positions: nonNil(positions)}, nil
}

// Borrows returns an address's free collateral and its loans as borrower.
func (s *QueryService) Borrows(ctx context.Context, raw string) (*BorrowView, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	loans, err := s.replica.LoansByBorrower(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("query_service.Borrows: %w", err)
	}
	acct := s.accounts.BorrowerAccount(ctx, addr)
	return &BorrowView{Address: addr, FreeCollateral: acct.FreeCollateral, Loans: nonNil(loans)}, nil
}

// Credit returns an address's score and the collateral ratio it currently earns.
func (s *QueryService) Credit(ctx context.Context, raw string) (*CreditView, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	score := s.accounts.BorrowerAccount(ctx, addr).CreditScore
	return &CreditView{Address: addr, Score: score, CollateralRatioBps: s.policy.RatioBps(score)}, nil
}

// Activity returns an address's feed in chronological order.
func (s *QueryService) Activity(ctx context.Context, raw string, limit, offset int) ([]domain.ActivityRecord, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	limit = min(limit, MaxActivityLimit)
	if offset < 0 {
		return nil, domain.NewValidationError("offset", "must not be negative")
	}
	out, err := s.replica.Activity(ctx, addr, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query_service.Activity: %w", err)
	}
	return nonNil(out), nil
}

// Stats summarises open supply and demand plus live loan volume.
func (s *QueryService) Stats(ctx context.Context) (*domain.MarketStats, error) {
	totals, err := s.market.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("query_service.Stats: %w", err)
	}
	count, volume, err := s.replica.ActiveLoanTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("query_service.Stats: %w", err)
	}
	return &domain.MarketStats{
		TotalLendSupply:   totals.LendSupply,
		TotalBorrowDemand: totals.BorrowDemand,
		LendIntents:       totals.LendIntents,
		BorrowIntents:     totals.BorrowIntents,
		ActiveLoans:       count,
		ActiveLoanVolume:  volume,
	}, nil
}

// OrderBook lists the active intents on both sides.
func (s *QueryService) OrderBook(ctx context.Context) (*domain.OrderBook, error) {
	book, err := s.market.OrderBook(ctx)
	if err != nil {
		return nil, fmt.Errorf("query_service.OrderBook: %w", err)
	}
	book.Lends = nonNil(book.Lends)
	book.Borrows = nonNil(book.Borrows)
	return book, nil
}

// Overdue lists active loans past their due time.
func (s *QueryService) Overdue(ctx context.Context) ([]domain.LoanRecord, error) {
	out, err := s.replica.OverdueLoans(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query_service.Overdue: %w", err)
	}
	return nonNil(out), nil
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
