package clearing_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ghostlend/protocol/internal/clearing"
	"github.com/ghostlend/protocol/internal/domain"
)

var (
	alice = domain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob   = domain.MustParseAddress("0x00000000000000000000000000000000000000b2")
	carol = domain.MustParseAddress("0x00000000000000000000000000000000000000c3")
	dave  = domain.MustParseAddress("0x00000000000000000000000000000000000000d4")
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bps(v int64) *int64 { return &v }

func lend(id int64, addr domain.Address, amount string, minRate int64, dur int64, tranche domain.Seniority) domain.Intent {
	return domain.Intent{
		ID: id, Address: addr, Side: domain.SideLend, Amount: d(amount),
		MinRate: bps(minRate), Duration: dur, Tranche: &tranche, Active: true,
		CreatedAt: t0.Add(time.Duration(id) * time.Second),
	}
}

func borrow(id int64, addr domain.Address, amount string, maxRate *int64, dur int64) domain.Intent {
	return domain.Intent{
		ID: id, Address: addr, Side: domain.SideBorrow, Amount: d(amount),
		MaxRate: maxRate, Duration: dur, Active: true,
		CreatedAt: t0.Add(time.Duration(id) * time.Second),
	}
}

func TestMatch_Empty(t *testing.T) {
	require.Empty(t, clearing.Match(nil, nil, clearing.DefaultOptions))
	require.Empty(t, clearing.Match([]domain.Intent{lend(1, alice, "5", 100, 60, domain.Senior)}, nil, clearing.DefaultOptions))
}

func TestMatch_CheapestFirstWithWeightedRate(t *testing.T) {
	lends := []domain.Intent{
		lend(1, alice, "6", 700, 3600, domain.Senior),
		lend(2, bob, "3", 300, 3600, domain.Junior),
		lend(3, carol, "4", 300, 3600, domain.Senior),
	}
	borrows := []domain.Intent{borrow(10, dave, "10", nil, 3600)}

	ps := clearing.Match(lends, borrows, clearing.DefaultOptions)
	require.Len(t, ps, 1)
	p := ps[0]

	// bob (300, id 2), carol (300, id 3), then 3 of alice (700).
	require.Equal(t, []domain.LendConsumption{
		{IntentID: 2, Amount: d("3")},
		{IntentID: 3, Amount: d("4")},
		{IntentID: 1, Amount: d("3")},
	}, normalise(p.Consumed))
	require.Len(t, p.Senior, 2)
	require.Len(t, p.Junior, 1)
	require.Equal(t, bob, p.Junior[0].Lender)
	// (3·300 + 4·300 + 3·700) / 10 = 420
	require.Equal(t, int64(420), p.RateBps)
	require.True(t, p.Principal.Equal(d("10")))
	require.Equal(t, int64(3600), p.DurationSecs)
}

func TestMatch_RateFloors(t *testing.T) {
	lends := []domain.Intent{
		lend(1, alice, "1", 100, 60, domain.Senior),
		lend(2, bob, "2", 101, 60, domain.Senior),
	}
	ps := clearing.Match(lends, []domain.Intent{borrow(3, carol, "3", nil, 60)}, clearing.DefaultOptions)
	require.Len(t, ps, 1)
	// 302 / 3 = 100.67 → 100
	require.Equal(t, int64(100), ps[0].RateBps)
}

func TestMatch_Filters(t *testing.T) {
	lends := []domain.Intent{
		lend(1, dave, "10", 0, 3600, domain.Senior),    // borrower's own
		lend(2, alice, "10", 0, 60, domain.Senior),     // too short
		lend(3, bob, "10", 900, 3600, domain.Senior),   // above ceiling
		lend(4, carol, "10", 500, 3600, domain.Senior), // eligible
	}
	ps := clearing.Match(lends, []domain.Intent{borrow(9, dave, "10", bps(500), 3600)}, clearing.DefaultOptions)
	require.Len(t, ps, 1)
	require.Equal(t, []domain.LendConsumption{{IntentID: 4, Amount: d("10")}}, normalise(ps[0].Consumed))
}

func TestMatch_DefaultCeiling(t *testing.T) {
	lends := []domain.Intent{lend(1, alice, "1", 10000, 60, domain.Senior)}
	ps := clearing.Match(lends, []domain.Intent{borrow(2, bob, "1", nil, 60)}, clearing.DefaultOptions)
	require.Len(t, ps, 1)

	capped := clearing.Options{DefaultMaxRateBps: 5000}
	require.Empty(t, clearing.Match(lends, []domain.Intent{borrow(2, bob, "1", nil, 60)}, capped))
}

func TestMatch_UnfilledBorrowLeavesNoTrace(t *testing.T) {
	lends := []domain.Intent{lend(1, alice, "5", 100, 3600, domain.Senior)}
	borrows := []domain.Intent{
		borrow(10, bob, "8", nil, 3600), // cannot be filled
		borrow(11, carol, "5", nil, 3600),
	}
	ps := clearing.Match(lends, borrows, clearing.DefaultOptions)
	require.Len(t, ps, 1)
	require.Equal(t, int64(11), ps[0].BorrowIntentID)
	require.Equal(t, []domain.LendConsumption{{IntentID: 1, Amount: d("5")}}, normalise(ps[0].Consumed))
}

func TestMatch_RemainderServesLaterBorrows(t *testing.T) {
	lends := []domain.Intent{lend(1, alice, "10", 100, 3600, domain.Senior)}
	borrows := []domain.Intent{
		borrow(10, bob, "4", nil, 3600),
		borrow(11, carol, "6", nil, 3600),
		borrow(12, dave, "1", nil, 3600),
	}
	ps := clearing.Match(lends, borrows, clearing.DefaultOptions)
	require.Len(t, ps, 2)
	require.Equal(t, int64(10), ps[0].BorrowIntentID)
	require.Equal(t, int64(11), ps[1].BorrowIntentID)
}

func TestMatch_IgnoresInactive(t *testing.T) {
	l := lend(1, alice, "10", 100, 3600, domain.Senior)
	l.Active = false
	require.Empty(t, clearing.Match([]domain.Intent{l}, []domain.Intent{borrow(2, bob, "1", nil, 60)}, clearing.DefaultOptions))
}

func TestMatch_Deterministic(t *testing.T) {
	var lends, borrows []domain.Intent
	addrs := []domain.Address{alice, bob, carol, dave}
	for i := int64(1); i <= 20; i++ {
		lends = append(lends, lend(i, addrs[i%4], "3", (i%5)*100, 3600, domain.Senior))
		borrows = append(borrows, borrow(100+i, addrs[(i+1)%4], "4", nil, 1800))
	}
	want := clearing.Match(lends, borrows, clearing.DefaultOptions)
	require.NotEmpty(t, want)

	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 5; n++ {
		l := append([]domain.Intent(nil), lends...)
		b := append([]domain.Intent(nil), borrows...)
		rng.Shuffle(len(l), func(i, j int) { l[i], l[j] = l[j], l[i] })
		rng.Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
		require.Equal(t, want, clearing.Match(l, b, clearing.DefaultOptions))
	}
}

// normalise strips decimal internals so require.Equal compares values.
func normalise(cs []domain.LendConsumption) []domain.LendConsumption {
	out := make([]domain.LendConsumption, len(cs))
	for i, c := range cs {
		out[i] = domain.LendConsumption{IntentID: c.IntentID, Amount: d(c.Amount.String())}
	}
	return out
}
