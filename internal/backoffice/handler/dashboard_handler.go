package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/indexer"
)

// LedgerView is the read side of the ledger the console inspects.
type LedgerView interface {
	LenderAccount(ctx context.Context, addr domain.Address) domain.LenderAccount
	BorrowerAccount(ctx context.Context, addr domain.Address) domain.BorrowerAccount
	Owed(ctx context.Context, loanID int64) (decimal.Decimal, error)
	Loan(ctx context.Context, id int64) (*domain.Loan, error)
	Allocations(ctx context.Context, loanID int64) ([]domain.TrancheAllocation, error)
	LastSeq() uint64
}

// StatsReader provides the aggregate market view.
type StatsReader interface {
	Stats(ctx context.Context) (*domain.MarketStats, error)
}

// IndexerStatus reports replica progress.
type IndexerStatus interface {
	Status() indexer.Status
}

// ClientCounter reports live websocket subscribers.
type ClientCounter interface {
	ConnectedCount() int
}

// TokenIssuer mints access tokens on behalf of the wallet collaborator.
type TokenIssuer interface {
	IssueToken(addr domain.Address) (string, error)
}

// DashboardHandler serves the read-only operator views.
type DashboardHandler struct {
	ledger  LedgerView
	stats   StatsReader
	indexer IndexerStatus
	policy  *domain.CollateralPolicy
	clients ClientCounter
	tokens  TokenIssuer
}

// NewDashboardHandler creates a DashboardHandler. clients and tokens may be nil.
func NewDashboardHandler(
	ledger LedgerView,
	stats StatsReader,
	ix IndexerStatus,
	policy *domain.CollateralPolicy,
	clients ClientCounter,
	tokens TokenIssuer,
) *DashboardHandler {
	return &DashboardHandler{
		ledger:  ledger,
		stats:   stats,
		indexer: ix,
		policy:  policy,
		clients: clients,
		tokens:  tokens,
	}
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		respondOperatorError(c, err)
		return
	}

	// ── Replica lag ──────────────────────────────────────────────────────────
	st := h.indexer.Status()
	head := h.ledger.LastSeq()
	var lag uint64
	if head > st.Cursor {
		lag = head - st.Cursor
	}

	wsClients := 0
	if h.clients != nil {
		wsClients = h.clients.ConnectedCount()
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"market": stats,
		"ledger": gin.H{"last_seq": head},
		"indexer": gin.H{
			"cursor":   st.Cursor,
			"lag":      lag,
			"deferred": len(st.Deferred),
		},
		"ws_clients":       wsClients,
		"collateral_tiers": h.policy.Tiers(),
	})
}

// IndexerStatus godoc
// GET /admin/indexer/status
func (h *DashboardHandler) IndexerStatus(c *gin.Context) {
	respondSuccess(c, http.StatusOK, gin.H{
		"status":   h.indexer.Status(),
		"last_seq": h.ledger.LastSeq(),
	})
}

// Account godoc
// GET /admin/accounts/:address
func (h *DashboardHandler) Account(c *gin.Context) {
	addr, err := domain.ParseAddress(c.Param("address"))
	if err != nil {
		respondOperatorError(c, err)
		return
	}
	ctx := c.Request.Context()
	respondSuccess(c, http.StatusOK, gin.H{
		"lender":   h.ledger.LenderAccount(ctx, addr),
		"borrower": h.ledger.BorrowerAccount(ctx, addr),
	})
}

// Loan godoc
// GET /admin/loans/:id
//
// Reads the ledger directly rather than the replica, so it is authoritative
// even while the indexer lags.
func (h *DashboardHandler) Loan(c *gin.Context) {
	var uri struct {
		ID int64 `uri:"id" binding:"required,min=1"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "id must be a positive integer")
		return
	}
	ctx := c.Request.Context()

	loan, err := h.ledger.Loan(ctx, uri.ID)
	if domain.IsNotFound(err) {
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondOperatorError(c, err)
		return
	}
	allocs, err := h.ledger.Allocations(ctx, uri.ID)
	if err != nil {
		respondOperatorError(c, err)
		return
	}
	owed, err := h.ledger.Owed(ctx, uri.ID)
	if err != nil {
		respondOperatorError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"loan":        loan,
		"allocations": allocs,
		"owed":        owed,
	})
}

// IssueToken godoc
// POST /admin/tokens {"address":"0x..."}
//
// Stands in for the external wallet-signature service in development.
func (h *DashboardHandler) IssueToken(c *gin.Context) {
	if h.tokens == nil {
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "token issuing is disabled")
		return
	}
	var body struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	addr, err := domain.ParseAddress(body.Address)
	if err != nil {
		respondOperatorError(c, err)
		return
	}
	tok, err := h.tokens.IssueToken(addr)
	if err != nil {
		respondOperatorError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"address": addr, "access_token": tok})
}
