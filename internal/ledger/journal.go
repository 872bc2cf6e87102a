package ledger

import (
	"context"

	"github.com/ghostlend/protocol/internal/domain"
)

// Batch is the full set of entity versions and events produced by one ledger
// mutation. A Journal persists a Batch atomically or not at all.
type Batch struct {
	Lenders     []domain.LenderAccount     `json:"lenders,omitempty"`
	Borrowers   []domain.BorrowerAccount   `json:"borrowers,omitempty"`
	Loans       []domain.Loan              `json:"loans,omitempty"`
	Allocations []domain.TrancheAllocation `json:"allocations,omitempty"`
	Events      []domain.Event             `json:"events,omitempty"`
}

// Journal makes ledger state durable. Load returns every entity and event
// committed so far, in sequence order for events.
type Journal interface {
	Load(ctx context.Context) (*Batch, error)
	Commit(ctx context.Context, b *Batch) error
	Close() error
}

// nopJournal keeps state in memory only.
type nopJournal struct{}

func (nopJournal) Load(context.Context) (*Batch, error) { return &Batch{}, nil }
func (nopJournal) Commit(context.Context, *Batch) error { return nil }
func (nopJournal) Close() error                         { return nil }
