package domain_test

import (
	"testing"
	"time"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/shopspring/decimal"
)

const year = int64(365 * 24 * 60 * 60)

func testLoan(start time.Time) *domain.Loan {
	return &domain.Loan{
		ID:           1,
		Principal:    decimal.NewFromInt(10),
		RateBps:      500,
		DurationSecs: year,
		StartTime:    start,
		Status:       domain.LoanStatusActive,
	}
}

// ── Owed ──────────────────────────────────────────────────────────────────────

func TestLoan_OwedAt_FullTerm(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l := testLoan(start)

	// 10 + 10 × 500 / 10000 = 10.5
	got := l.OwedAt(start.Add(time.Duration(year) * time.Second))
	if !got.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("OwedAt(term) = %s, want 10.5", got)
	}
}

func TestLoan_OwedAt_CappedAfterTerm(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l := testLoan(start)

	late := l.OwedAt(start.Add(3 * time.Duration(year) * time.Second))
	if !late.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("OwedAt(3 terms) = %s, want capped 10.5", late)
	}
}

func TestLoan_OwedAt_AtStartIsPrincipal(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l := testLoan(start)

	if got := l.OwedAt(start); !got.Equal(l.Principal) {
		t.Errorf("OwedAt(start) = %s, want %s", got, l.Principal)
	}
	// Clock skew before start never yields negative interest.
	if got := l.OwedAt(start.Add(-time.Hour)); !got.Equal(l.Principal) {
		t.Errorf("OwedAt(before start) = %s, want %s", got, l.Principal)
	}
}

func TestLoan_OwedAt_RoundsUp(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l := &domain.Loan{
		Principal:    decimal.RequireFromString("0.000000000000000001"),
		RateBps:      1,
		DurationSecs: 3,
		StartTime:    start,
		Status:       domain.LoanStatusActive,
	}
	// Interest is a tiny fraction of one unit at scale 18 and rounds up to 1e-18.
	got := l.OwedAt(start.Add(time.Second))
	want := decimal.RequireFromString("0.000000000000000002")
	if !got.Equal(want) {
		t.Errorf("OwedAt = %s, want %s", got, want)
	}
}

func TestLoan_IsOverdueAt(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l := testLoan(start)
	due := l.DueAt()

	if l.IsOverdueAt(due) {
		t.Error("loan must not be overdue exactly at due time")
	}
	if !l.IsOverdueAt(due.Add(time.Second)) {
		t.Error("loan should be overdue one second after due time")
	}
	l.Status = domain.LoanStatusRepaid
	if l.IsOverdueAt(due.Add(time.Hour)) {
		t.Error("repaid loan is never overdue")
	}
}

// ── Address ───────────────────────────────────────────────────────────────────

func TestParseAddress_NormalisesCase(t *testing.T) {
	lower, err := domain.ParseAddress("0xde709f2102306220921060314715629080e2fb77")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	upper, err := domain.ParseAddress("0xDE709F2102306220921060314715629080E2FB77")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if lower != upper {
		t.Errorf("addresses differ after normalisation: %s vs %s", lower, upper)
	}
}

func TestParseAddress_Rejects(t *testing.T) {
	cases := []string{"", "0x1234", "not-an-address", string(domain.ZeroAddress)}
	for _, in := range cases {
		if _, err := domain.ParseAddress(in); !domain.IsValidation(err) {
			t.Errorf("ParseAddress(%q) error = %v, want validation error", in, err)
		}
	}
}

// ── Intents ───────────────────────────────────────────────────────────────────

func TestLendIntentRequest_DefaultsSenior(t *testing.T) {
	req := domain.LendIntentRequest{
		Address:  "0xde709f2102306220921060314715629080e2fb77",
		Amount:   "5",
		Duration: 86400,
	}
	in, err := req.ToIntent()
	if err != nil {
		t.Fatalf("ToIntent: %v", err)
	}
	if in.Seniority() != domain.Senior {
		t.Errorf("tranche = %s, want senior", in.Seniority())
	}
	if in.MinRateBps() != 0 {
		t.Errorf("min rate = %d, want 0", in.MinRateBps())
	}
}

func TestBorrowIntentRequest_Validation(t *testing.T) {
	bad := []domain.BorrowIntentRequest{
		{Address: "", Amount: "1", Duration: 1},
		{Address: "0xde709f2102306220921060314715629080e2fb77", Amount: "0", Duration: 1},
		{Address: "0xde709f2102306220921060314715629080e2fb77", Amount: "-3", Duration: 1},
		{Address: "0xde709f2102306220921060314715629080e2fb77", Amount: "1", Duration: 0},
	}
	for i, req := range bad {
		if _, err := req.ToIntent(); !domain.IsValidation(err) {
			t.Errorf("case %d: error = %v, want validation error", i, err)
		}
	}

	ok := domain.BorrowIntentRequest{Address: "0xde709f2102306220921060314715629080e2fb77", Amount: "1", Duration: 1}
	in, err := ok.ToIntent()
	if err != nil {
		t.Fatalf("ToIntent: %v", err)
	}
	if in.MaxRateBps() != domain.MaxRateBps {
		t.Errorf("max rate = %d, want default %d", in.MaxRateBps(), domain.MaxRateBps)
	}
}
