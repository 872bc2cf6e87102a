package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

// IntentRepository handles all database operations for lend/borrow intents.
type IntentRepository struct {
	db *sqlx.DB
}

// NewIntentRepository creates a new IntentRepository.
func NewIntentRepository(db *sqlx.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

// Create inserts an intent and fills in its id and created_at.
func (r *IntentRepository) Create(ctx context.Context, in *domain.Intent) error {
	query := `
		INSERT INTO intents
			(address, side, amount, min_rate, max_rate, duration, tranche, active)
		VALUES
			(:address, :side, :amount, :min_rate, :max_rate, :duration, :tranche, :active)
		RETURNING id, created_at`
	rows, err := r.db.NamedQueryContext(ctx, query, in)
	if err != nil {
		return wrapErr("intent_repo.Create", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&in.ID, &in.CreatedAt); err != nil {
			return wrapErr("intent_repo.Create scan", err)
		}
	}
	return wrapErr("intent_repo.Create", rows.Err())
}

// GetByID fetches an intent by its primary key.
func (r *IntentRepository) GetByID(ctx context.Context, id int64) (*domain.Intent, error) {
	var in domain.Intent
	err := r.db.GetContext(ctx, &in, `SELECT * FROM intents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, wrapErr("intent_repo.GetByID", err)
	}
	return &in, nil
}

// Cancel deactivates an intent and marks it cancelled. Cancelling an
// inactive intent leaves it inactive; the mark still stops a pending claim
// from being released back into the book.
func (r *IntentRepository) Cancel(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE intents
		SET active = FALSE,
		    cancelled_at = COALESCE(cancelled_at, now())
		WHERE id = $1`, id)
	if err != nil {
		return wrapErr("intent_repo.Cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}

// ActiveByAddress lists an address's active intents, newest first.
func (r *IntentRepository) ActiveByAddress(ctx context.Context, addr domain.Address) ([]domain.Intent, error) {
	var out []domain.Intent
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM intents
		WHERE address = $1 AND active
		ORDER BY created_at DESC, id DESC`,
		addr)
	if err != nil {
		return nil, wrapErr("intent_repo.ActiveByAddress", err)
	}
	return out, nil
}

// ActiveIntents returns every active intent, the clearing snapshot.
func (r *IntentRepository) ActiveIntents(ctx context.Context) ([]domain.Intent, error) {
	var out []domain.Intent
	err := r.db.SelectContext(ctx, &out, `SELECT * FROM intents WHERE active ORDER BY id`)
	if err != nil {
		return nil, wrapErr("intent_repo.ActiveIntents", err)
	}
	return out, nil
}

// ClaimMatch reserves a proposal's intents in one transaction. Every update
// is conditional on the intent still being active with enough amount left;
// any miss rolls the whole claim back with domain.ErrIntentStale.
func (r *IntentRepository) ClaimMatch(ctx context.Context, claim domain.MatchClaim) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("intent_repo.ClaimMatch begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE intents SET active = FALSE
		WHERE id = $1 AND side = 'borrow' AND active`,
		claim.BorrowIntentID)
	if err != nil {
		return wrapErr("intent_repo.ClaimMatch borrow", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrIntentStale
	}

	for _, l := range claim.Lends {
		res, err := tx.ExecContext(ctx, `
			UPDATE intents
			SET amount = amount - $2,
			    active = (amount - $2) > 0
			WHERE id = $1 AND side = 'lend' AND active AND amount >= $2`,
			l.IntentID, l.Amount)
		if err != nil {
			return wrapErr("intent_repo.ClaimMatch lend", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return domain.ErrIntentStale
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("intent_repo.ClaimMatch commit", err)
	}
	return nil
}

// ReleaseMatch gives a claim back after the ledger rejected the loan.
// Amounts are restored, but an intent cancelled while the claim was held
// stays inactive.
func (r *IntentRepository) ReleaseMatch(ctx context.Context, claim domain.MatchClaim) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("intent_repo.ReleaseMatch begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE intents SET active = (cancelled_at IS NULL) WHERE id = $1`, claim.BorrowIntentID); err != nil {
		return wrapErr("intent_repo.ReleaseMatch borrow", err)
	}
	for _, l := range claim.Lends {
		if _, err := tx.ExecContext(ctx,
			`UPDATE intents SET amount = amount + $2, active = (cancelled_at IS NULL) WHERE id = $1`,
			l.IntentID, l.Amount); err != nil {
			return wrapErr("intent_repo.ReleaseMatch lend", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("intent_repo.ReleaseMatch commit", err)
	}
	return nil
}

// OrderBook lists active lends by ascending floor rate and active borrows by
// descending ceiling.
func (r *IntentRepository) OrderBook(ctx context.Context) (*domain.OrderBook, error) {
	book := &domain.OrderBook{Lends: []domain.Intent{}, Borrows: []domain.Intent{}}
	if err := r.db.SelectContext(ctx, &book.Lends, `
		SELECT * FROM intents
		WHERE side = 'lend' AND active
		ORDER BY COALESCE(min_rate, 0) ASC, id ASC`); err != nil {
		return nil, wrapErr("intent_repo.OrderBook lends", err)
	}
	if err := r.db.SelectContext(ctx, &book.Borrows, `
		SELECT * FROM intents
		WHERE side = 'borrow' AND active
		ORDER BY COALESCE(max_rate, 10000) DESC, id ASC`); err != nil {
		return nil, wrapErr("intent_repo.OrderBook borrows", err)
	}
	return book, nil
}

// IntentTotals is the open supply/demand aggregate.
type IntentTotals struct {
	LendSupply    decimal.Decimal `db:"lend_supply"`
	BorrowDemand  decimal.Decimal `db:"borrow_demand"`
	LendIntents   int             `db:"lend_intents"`
	BorrowIntents int             `db:"borrow_intents"`
}

// Totals sums active intents per side.
func (r *IntentRepository) Totals(ctx context.Context) (*IntentTotals, error) {
	var t IntentTotals
	err := r.db.GetContext(ctx, &t, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE side = 'lend'), 0)   AS lend_supply,
			COALESCE(SUM(amount) FILTER (WHERE side = 'borrow'), 0) AS borrow_demand,
			COUNT(*) FILTER (WHERE side = 'lend')                   AS lend_intents,
			COUNT(*) FILTER (WHERE side = 'borrow')                 AS borrow_intents
		FROM intents
		WHERE active`)
	if err != nil {
		return nil, wrapErr("intent_repo.Totals", err)
	}
	return &t, nil
}
