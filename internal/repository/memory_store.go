package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

// MemoryStore implements the intent repository and the replica in process
// memory. It backs tests and STORE_DRIVER=memory deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	intents    map[int64]domain.Intent
	nextIntent int64
	loans      map[int64]domain.LoanRecord
	positions  map[int64]domain.LenderPosition // by allocation id
	activities map[int64]domain.ActivityRecord // by event seq
	cursor     uint64
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:    make(map[int64]domain.Intent),
		nextIntent: 1,
		loans:      make(map[int64]domain.LoanRecord),
		positions:  make(map[int64]domain.LenderPosition),
		activities: make(map[int64]domain.ActivityRecord),
		now:        time.Now,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Intents
// ──────────────────────────────────────────────────────────────────────────────

func (s *MemoryStore) Create(_ context.Context, in *domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = s.nextIntent
	s.nextIntent++
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now().UTC()
	}
	s.intents[in.ID] = *in
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id int64) (*domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return &in, nil
}

func (s *MemoryStore) Cancel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return domain.ErrIntentNotFound
	}
	in.Active = false
	if in.CancelledAt == nil {
		at := s.now().UTC()
		in.CancelledAt = &at
	}
	s.intents[id] = in
	return nil
}

func (s *MemoryStore) ActiveByAddress(_ context.Context, addr domain.Address) ([]domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Intent{}
	for _, in := range s.intents {
		if in.Active && in.Address == addr {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) ActiveIntents(_ context.Context) ([]domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Intent{}
	for _, in := range s.intents {
		if in.Active {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ClaimMatch(_ context.Context, claim domain.MatchClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.intents[claim.BorrowIntentID]
	if !ok || !b.Active || b.Side != domain.SideBorrow {
		return domain.ErrIntentStale
	}
	// Validate every lend before touching anything.
	need := make(map[int64]decimal.Decimal)
	for _, l := range claim.Lends {
		need[l.IntentID] = need[l.IntentID].Add(l.Amount)
	}
	for id, amt := range need {
		in, ok := s.intents[id]
		if !ok || !in.Active || in.Side != domain.SideLend || in.Amount.LessThan(amt) {
			return domain.ErrIntentStale
		}
	}

	b.Active = false
	s.intents[b.ID] = b
	for id, amt := range need {
		in := s.intents[id]
		in.Amount = in.Amount.Sub(amt)
		in.Active = in.Amount.IsPositive()
		s.intents[id] = in
	}
	return nil
}

func (s *MemoryStore) ReleaseMatch(_ context.Context, claim domain.MatchClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.intents[claim.BorrowIntentID]; ok {
		b.Active = !b.Cancelled()
		s.intents[b.ID] = b
	}
	for _, l := range claim.Lends {
		if in, ok := s.intents[l.IntentID]; ok {
			in.Amount = in.Amount.Add(l.Amount)
			in.Active = !in.Cancelled()
			s.intents[in.ID] = in
		}
	}
	return nil
}

func (s *MemoryStore) OrderBook(_ context.Context) (*domain.OrderBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book := &domain.OrderBook{Lends: []domain.Intent{}, Borrows: []domain.Intent{}}
	for _, in := range s.intents {
		if !in.Active {
			continue
		}
		if in.Side == domain.SideLend {
			book.Lends = append(book.Lends, in)
		} else {
			book.Borrows = append(book.Borrows, in)
		}
	}
	sort.Slice(book.Lends, func(i, j int) bool {
		a, b := book.Lends[i], book.Lends[j]
		if a.MinRateBps() != b.MinRateBps() {
			return a.MinRateBps() < b.MinRateBps()
		}
		return a.ID < b.ID
	})
	sort.Slice(book.Borrows, func(i, j int) bool {
		a, b := book.Borrows[i], book.Borrows[j]
		if a.MaxRateBps() != b.MaxRateBps() {
			return a.MaxRateBps() > b.MaxRateBps()
		}
		return a.ID < b.ID
	})
	return book, nil
}

func (s *MemoryStore) Totals(_ context.Context) (*IntentTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := &IntentTotals{LendSupply: decimal.Zero, BorrowDemand: decimal.Zero}
	for _, in := range s.intents {
		if !in.Active {
			continue
		}
		if in.Side == domain.SideLend {
			t.LendSupply = t.LendSupply.Add(in.Amount)
			t.LendIntents++
		} else {
			t.BorrowDemand = t.BorrowDemand.Add(in.Amount)
			t.BorrowIntents++
		}
	}
	return t, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Replica
// ──────────────────────────────────────────────────────────────────────────────

func (s *MemoryStore) UpsertLoan(_ context.Context, rec *domain.LoanRecord, positions []domain.LenderPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *rec
	if prev, ok := s.loans[rec.LoanID]; ok && prev.Status.IsTerminal() {
		next.Status = prev.Status
		next.UpdatedAt = prev.UpdatedAt
	}
	s.loans[rec.LoanID] = next
	for _, p := range positions {
		if prev, ok := s.positions[p.AllocationID]; ok && prev.Status.IsTerminal() {
			p.Status = prev.Status
		}
		s.positions[p.AllocationID] = p
	}
	return nil
}

func (s *MemoryStore) SetLoanStatus(_ context.Context, loanID int64, status domain.LoanStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.loans[loanID]
	if !ok {
		return domain.ErrPrerequisiteMissing
	}
	rec.Status = status
	rec.UpdatedAt = at
	s.loans[loanID] = rec
	for id, p := range s.positions {
		if p.LoanID == loanID {
			p.Status = status
			s.positions[id] = p
		}
	}
	return nil
}

func (s *MemoryStore) AppendActivity(_ context.Context, rec *domain.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[rec.EventSeq]; !ok {
		s.activities[rec.EventSeq] = *rec
	}
	return nil
}

func (s *MemoryStore) Cursor(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursor {
		s.cursor = seq
	}
	return nil
}

func (s *MemoryStore) LoanByID(_ context.Context, id int64) (*domain.LoanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.loans[id]
	if !ok {
		return nil, domain.ErrLoanNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) LoansByBorrower(_ context.Context, addr domain.Address) ([]domain.LoanRecord, error) {
	return s.filterLoans(func(rec domain.LoanRecord) bool { return rec.Borrower == addr }), nil
}

func (s *MemoryStore) PositionsByLender(_ context.Context, addr domain.Address) ([]domain.LenderPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.LenderPosition{}
	for _, p := range s.positions {
		if p.Lender == addr {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoanID != out[j].LoanID {
			return out[i].LoanID > out[j].LoanID
		}
		return out[i].AllocationID < out[j].AllocationID
	})
	return out, nil
}

func (s *MemoryStore) Activity(_ context.Context, addr domain.Address, limit, offset int) ([]domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := []domain.ActivityRecord{}
	for _, a := range s.activities {
		if a.Address == addr {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EventSeq < all[j].EventSeq })
	if offset >= len(all) {
		return []domain.ActivityRecord{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) OverdueLoans(_ context.Context, now time.Time) ([]domain.LoanRecord, error) {
	out := s.filterLoans(func(rec domain.LoanRecord) bool {
		return rec.Status == domain.LoanStatusActive && rec.DueAt.Before(now)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].LoanID < out[j].LoanID
	})
	return out, nil
}

func (s *MemoryStore) ActiveLoanTotals(_ context.Context) (int, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, vol := 0, decimal.Zero
	for _, rec := range s.loans {
		if rec.Status == domain.LoanStatusActive {
			n++
			vol = vol.Add(rec.Principal)
		}
	}
	return n, vol, nil
}

// filterLoans returns matching loans, newest first.
func (s *MemoryStore) filterLoans(keep func(domain.LoanRecord) bool) []domain.LoanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.LoanRecord{}
	for _, rec := range s.loans {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID > out[j].LoanID })
	return out
}
