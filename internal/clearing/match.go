// Package clearing matches lend and borrow intents into tranched loan
// proposals and submits them to the ledger.
package clearing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

// Options tune matching.
type Options struct {
	// DefaultMaxRateBps caps borrows that set no ceiling.
	DefaultMaxRateBps int64
}

// DefaultOptions uses a 100 % ceiling.
var DefaultOptions = Options{DefaultMaxRateBps: domain.MaxRateBps}

// Proposal is one fully-filled borrow intent ready to be executed.
type Proposal struct {
	BorrowIntentID int64                    `json:"borrow_intent_id"`
	Borrower       domain.Address           `json:"borrower"`
	Senior         []domain.Allocation      `json:"senior"`
	Junior         []domain.Allocation      `json:"junior"`
	Consumed       []domain.LendConsumption `json:"consumed"`
	Principal      decimal.Decimal          `json:"principal"`
	RateBps        int64                    `json:"rate_bps"`
	DurationSecs   int64                    `json:"duration_secs"`

	// Filled in by the engine.
	Collateral decimal.Decimal `json:"collateral"`
	Degraded   bool            `json:"degraded"`
	LoanID     int64           `json:"loan_id,omitempty"`
}

// Claim is the intent mutation that reserves this proposal's intents.
func (p *Proposal) Claim() domain.MatchClaim {
	return domain.MatchClaim{BorrowIntentID: p.BorrowIntentID, Lends: p.Consumed}
}

// LoanRequest converts the proposal into ledger terms.
func (p *Proposal) LoanRequest() domain.LoanRequest {
	return domain.LoanRequest{
		Borrower:     p.Borrower,
		Senior:       p.Senior,
		Junior:       p.Junior,
		Principal:    p.Principal,
		Collateral:   p.Collateral,
		RateBps:      p.RateBps,
		DurationSecs: p.DurationSecs,
	}
}

type pick struct {
	intent *domain.Intent
	amount decimal.Decimal
}

// Match is a pure function over an intent snapshot. Borrows are taken in
// submission order; for each, compatible lends are walked cheapest first and
// consumed greedily. Consumption is tentative until the borrow is completely
// filled, so an unfilled borrow leaves every lend intent as it found it.
func Match(lendIntents, borrowIntents []domain.Intent, opts Options) []Proposal {
	if opts.DefaultMaxRateBps <= 0 {
		opts.DefaultMaxRateBps = domain.MaxRateBps
	}

	lends := eligible(lendIntents, domain.SideLend)
	borrows := eligible(borrowIntents, domain.SideBorrow)

	sort.SliceStable(borrows, func(i, j int) bool {
		if !borrows[i].CreatedAt.Equal(borrows[j].CreatedAt) {
			return borrows[i].CreatedAt.Before(borrows[j].CreatedAt)
		}
		return borrows[i].ID < borrows[j].ID
	})
	sort.SliceStable(lends, func(i, j int) bool {
		ri, rj := lends[i].MinRateBps(), lends[j].MinRateBps()
		if ri != rj {
			return ri < rj
		}
		return lends[i].ID < lends[j].ID
	})

	remaining := make(map[int64]decimal.Decimal, len(lends))
	for _, l := range lends {
		remaining[l.ID] = l.Amount
	}

	var proposals []Proposal
	for _, b := range borrows {
		maxRate := opts.DefaultMaxRateBps
		if b.MaxRate != nil {
			maxRate = *b.MaxRate
		}

		need := b.Amount
		var picks []pick
		for _, l := range lends {
			if need.IsZero() {
				break
			}
			left := remaining[l.ID]
			if !left.IsPositive() || l.Address == b.Address || l.Duration < b.Duration || l.MinRateBps() > maxRate {
				continue
			}
			take := decimal.Min(need, left)
			picks = append(picks, pick{intent: l, amount: take})
			need = need.Sub(take)
		}
		if need.IsPositive() {
			continue
		}

		p := Proposal{
			BorrowIntentID: b.ID,
			Borrower:       b.Address,
			Principal:      b.Amount,
			DurationSecs:   b.Duration,
		}
		weighted := decimal.Zero
		for _, pk := range picks {
			remaining[pk.intent.ID] = remaining[pk.intent.ID].Sub(pk.amount)
			alloc := domain.Allocation{Lender: pk.intent.Address, Amount: pk.amount}
			if pk.intent.Seniority() == domain.Junior {
				p.Junior = append(p.Junior, alloc)
			} else {
				p.Senior = append(p.Senior, alloc)
			}
			p.Consumed = append(p.Consumed, domain.LendConsumption{IntentID: pk.intent.ID, Amount: pk.amount})
			weighted = weighted.Add(pk.amount.Mul(decimal.NewFromInt(pk.intent.MinRateBps())))
		}
		p.RateBps = weighted.Div(b.Amount).IntPart()
		proposals = append(proposals, p)
	}
	return proposals
}

func eligible(intents []domain.Intent, side domain.IntentSide) []*domain.Intent {
	out := make([]*domain.Intent, 0, len(intents))
	for i := range intents {
		in := &intents[i]
		if in.Side == side && in.Active && in.Amount.IsPositive() {
			out = append(out, in)
		}
	}
	return out
}

// Split partitions a snapshot into lend and borrow intents.
func Split(intents []domain.Intent) (lends, borrows []domain.Intent) {
	for _, in := range intents {
		switch in.Side {
		case domain.SideLend:
			lends = append(lends, in)
		case domain.SideBorrow:
			borrows = append(borrows, in)
		}
	}
	return lends, borrows
}
