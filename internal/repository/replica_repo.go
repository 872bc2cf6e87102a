package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

// ReplicaRepository is the Postgres query-side replica written by the indexer.
type ReplicaRepository struct {
	db *sqlx.DB
}

// NewReplicaRepository creates a new ReplicaRepository.
func NewReplicaRepository(db *sqlx.DB) *ReplicaRepository {
	return &ReplicaRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Projection writes (idempotent)
// ──────────────────────────────────────────────────────────────────────────────

// UpsertLoan writes a loan row and its positions keyed by loan id and
// allocation id. A settled row is never touched by an older active snapshot:
// its status and updated_at stay as the settlement left them.
func (r *ReplicaRepository) UpsertLoan(ctx context.Context, rec *domain.LoanRecord, positions []domain.LenderPosition) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("replica_repo.UpsertLoan begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO loans
			(loan_id, borrower, principal, collateral_locked, rate_bps, duration_secs,
			 start_time, due_at, status, senior_lenders, senior_amounts,
			 junior_lenders, junior_amounts, updated_at)
		VALUES
			(:loan_id, :borrower, :principal, :collateral_locked, :rate_bps, :duration_secs,
			 :start_time, :due_at, :status, :senior_lenders, :senior_amounts,
			 :junior_lenders, :junior_amounts, :updated_at)
		ON CONFLICT (loan_id) DO UPDATE SET
			senior_lenders = EXCLUDED.senior_lenders,
			senior_amounts = EXCLUDED.senior_amounts,
			junior_lenders = EXCLUDED.junior_lenders,
			junior_amounts = EXCLUDED.junior_amounts,
			status = CASE WHEN loans.status = 'active' THEN EXCLUDED.status ELSE loans.status END,
			updated_at = CASE WHEN loans.status = 'active' THEN EXCLUDED.updated_at ELSE loans.updated_at END`, rec); err != nil {
		return wrapErr("replica_repo.UpsertLoan loan", err)
	}

	for i := range positions {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO lender_positions
				(allocation_id, loan_id, lender, amount, seniority, status)
			VALUES
				(:allocation_id, :loan_id, :lender, :amount, :seniority, :status)
			ON CONFLICT (allocation_id) DO UPDATE SET
				status = CASE WHEN lender_positions.status = 'active'
				              THEN EXCLUDED.status ELSE lender_positions.status END`,
			&positions[i]); err != nil {
			return wrapErr("replica_repo.UpsertLoan position", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("replica_repo.UpsertLoan commit", err)
	}
	return nil
}

// SetLoanStatus moves a loan and all its positions to status. It returns
// domain.ErrPrerequisiteMissing when the loan row has not been projected yet.
func (r *ReplicaRepository) SetLoanStatus(ctx context.Context, loanID int64, status domain.LoanStatus, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("replica_repo.SetLoanStatus begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE loans SET status = $2, updated_at = $3 WHERE loan_id = $1`,
		loanID, status, at)
	if err != nil {
		return wrapErr("replica_repo.SetLoanStatus loan", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPrerequisiteMissing
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE lender_positions SET status = $2 WHERE loan_id = $1`,
		loanID, status); err != nil {
		return wrapErr("replica_repo.SetLoanStatus positions", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("replica_repo.SetLoanStatus commit", err)
	}
	return nil
}

// AppendActivity inserts a feed entry once per event sequence.
func (r *ReplicaRepository) AppendActivity(ctx context.Context, rec *domain.ActivityRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO activities
			(id, event_seq, address, type, amount, reference, details, timestamp)
		VALUES
			(:id, :event_seq, :address, :type, :amount, :reference, :details, :timestamp)
		ON CONFLICT (event_seq) DO NOTHING`, rec)
	return wrapErr("replica_repo.AppendActivity", err)
}

// Cursor returns the last durably projected ledger sequence.
func (r *ReplicaRepository) Cursor(ctx context.Context) (uint64, error) {
	var seq int64
	err := r.db.GetContext(ctx, &seq, `SELECT last_seq FROM indexer_cursor WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("replica_repo.Cursor", err)
	}
	return uint64(seq), nil
}

// SaveCursor persists seq. The stored cursor only moves forward.
func (r *ReplicaRepository) SaveCursor(ctx context.Context, seq uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexer_cursor (id, last_seq, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET
			last_seq = GREATEST(indexer_cursor.last_seq, EXCLUDED.last_seq),
			updated_at = now()`,
		int64(seq))
	return wrapErr("replica_repo.SaveCursor", err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// LoanByID fetches one replica loan.
func (r *ReplicaRepository) LoanByID(ctx context.Context, id int64) (*domain.LoanRecord, error) {
	var rec domain.LoanRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM loans WHERE loan_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, wrapErr("replica_repo.LoanByID", err)
	}
	return &rec, nil
}

// LoansByBorrower lists an address's loans as borrower, newest first.
func (r *ReplicaRepository) LoansByBorrower(ctx context.Context, addr domain.Address) ([]domain.LoanRecord, error) {
	out := []domain.LoanRecord{}
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM loans WHERE borrower = $1 ORDER BY loan_id DESC`, addr)
	if err != nil {
		return nil, wrapErr("replica_repo.LoansByBorrower", err)
	}
	return out, nil
}

// PositionsByLender lists an address's allocations, newest loan first.
func (r *ReplicaRepository) PositionsByLender(ctx context.Context, addr domain.Address) ([]domain.LenderPosition, error) {
	out := []domain.LenderPosition{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM lender_positions
		WHERE lender = $1
		ORDER BY loan_id DESC, allocation_id ASC`, addr)
	if err != nil {
		return nil, wrapErr("replica_repo.PositionsByLender", err)
	}
	return out, nil
}

// Activity returns an address's feed in chronological order.
func (r *ReplicaRepository) Activity(ctx context.Context, addr domain.Address, limit, offset int) ([]domain.ActivityRecord, error) {
	out := []domain.ActivityRecord{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM activities
		WHERE address = $1
		ORDER BY event_seq ASC
		LIMIT $2 OFFSET $3`,
		addr, limit, offset)
	if err != nil {
		return nil, wrapErr("replica_repo.Activity", err)
	}
	return out, nil
}

// OverdueLoans lists active loans whose term ended before now.
func (r *ReplicaRepository) OverdueLoans(ctx context.Context, now time.Time) ([]domain.LoanRecord, error) {
	out := []domain.LoanRecord{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM loans
		WHERE status = 'active' AND due_at < $1
		ORDER BY due_at ASC, loan_id ASC`, now)
	if err != nil {
		return nil, wrapErr("replica_repo.OverdueLoans", err)
	}
	return out, nil
}

// ActiveLoanTotals counts active loans and sums their principal.
func (r *ReplicaRepository) ActiveLoanTotals(ctx context.Context) (int, decimal.Decimal, error) {
	var row struct {
		Count  int             `db:"count"`
		Volume decimal.Decimal `db:"volume"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS count, COALESCE(SUM(principal), 0) AS volume
		FROM loans WHERE status = 'active'`)
	if err != nil {
		return 0, decimal.Zero, wrapErr("replica_repo.ActiveLoanTotals", err)
	}
	return row.Count, row.Volume, nil
}
