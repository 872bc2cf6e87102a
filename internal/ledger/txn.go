package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

var zero = decimal.Zero

// txn stages entity versions on top of the arena. Reads see staged writes;
// nothing reaches the arena until the batch is journaled.
type txn struct {
	l         *Ledger
	lenders   map[domain.Address]domain.LenderAccount
	borrowers map[domain.Address]domain.BorrowerAccount
	loans     map[int64]domain.Loan
	allocs    map[int64]domain.TrancheAllocation
	events    []domain.Event

	// insertion order, so journaled batches are deterministic
	lenderOrder   []domain.Address
	borrowerOrder []domain.Address
	loanOrder     []int64
	allocOrder    []int64

	nextLoanID  int64
	nextAllocID int64
	nextSeq     uint64
}

func newTxn(l *Ledger) *txn {
	return &txn{
		l:           l,
		lenders:     make(map[domain.Address]domain.LenderAccount),
		borrowers:   make(map[domain.Address]domain.BorrowerAccount),
		loans:       make(map[int64]domain.Loan),
		allocs:      make(map[int64]domain.TrancheAllocation),
		nextLoanID:  l.nextLoanID,
		nextAllocID: l.nextAllocID,
		nextSeq:     uint64(len(l.events)) + 1,
	}
}

func (t *txn) lender(addr domain.Address) domain.LenderAccount {
	if a, ok := t.lenders[addr]; ok {
		return a
	}
	if a, ok := t.l.lenders[addr]; ok {
		return a
	}
	return domain.LenderAccount{Address: addr, Balance: zero}
}

func (t *txn) putLender(a domain.LenderAccount) {
	if _, ok := t.lenders[a.Address]; !ok {
		t.lenderOrder = append(t.lenderOrder, a.Address)
	}
	t.lenders[a.Address] = a
}

func (t *txn) creditLender(addr domain.Address, amt decimal.Decimal) {
	a := t.lender(addr)
	a.Balance = a.Balance.Add(amt)
	t.putLender(a)
}

func (t *txn) borrower(addr domain.Address) domain.BorrowerAccount {
	if a, ok := t.borrowers[addr]; ok {
		return a
	}
	return t.l.borrowerLocked(addr)
}

func (t *txn) putBorrower(a domain.BorrowerAccount) {
	if _, ok := t.borrowers[a.Address]; !ok {
		t.borrowerOrder = append(t.borrowerOrder, a.Address)
	}
	t.borrowers[a.Address] = a
}

func (t *txn) loan(id int64) (domain.Loan, bool) {
	if l, ok := t.loans[id]; ok {
		return l, true
	}
	l, ok := t.l.loans[id]
	return l, ok
}

func (t *txn) putLoan(l domain.Loan) {
	if _, ok := t.loans[l.ID]; !ok {
		t.loanOrder = append(t.loanOrder, l.ID)
	}
	t.loans[l.ID] = l
}

// allocations returns the loan's allocations including staged changes.
func (t *txn) allocations(loanID int64) []domain.TrancheAllocation {
	base := t.l.allocations[loanID]
	out := make([]domain.TrancheAllocation, 0, len(base))
	for _, a := range base {
		if staged, ok := t.allocs[a.ID]; ok {
			a = staged
		}
		out = append(out, a)
	}
	for _, id := range t.allocOrder {
		a := t.allocs[id]
		if a.LoanID == loanID && !containsAlloc(base, id) {
			out = append(out, a)
		}
	}
	return out
}

func containsAlloc(allocs []domain.TrancheAllocation, id int64) bool {
	for _, a := range allocs {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (t *txn) putAllocation(a domain.TrancheAllocation) {
	if _, ok := t.allocs[a.ID]; !ok {
		t.allocOrder = append(t.allocOrder, a.ID)
	}
	t.allocs[a.ID] = a
}

func (t *txn) emit(typ domain.EventType, addr domain.Address, loanID int64, amt decimal.Decimal) {
	t.events = append(t.events, domain.Event{
		Seq:     t.nextSeq,
		Type:    typ,
		Address: addr,
		LoanID:  loanID,
		Amount:  amt,
		At:      t.l.now().UTC(),
	})
	t.nextSeq++
}

func (t *txn) batch() *Batch {
	b := &Batch{Events: t.events}
	for _, addr := range t.lenderOrder {
		b.Lenders = append(b.Lenders, t.lenders[addr])
	}
	for _, addr := range t.borrowerOrder {
		b.Borrowers = append(b.Borrowers, t.borrowers[addr])
	}
	for _, id := range t.loanOrder {
		b.Loans = append(b.Loans, t.loans[id])
	}
	for _, id := range t.allocOrder {
		b.Allocations = append(b.Allocations, t.allocs[id])
	}
	return b
}
