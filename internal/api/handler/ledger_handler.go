package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/api/middleware"
	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/ledger"
)

// LedgerHandler exposes the caller-signed ledger operations. The caller is
// always the JWT subject, never a body field.
type LedgerHandler struct {
	ledger *ledger.Ledger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

type amountBody struct {
	Amount string `json:"amount" binding:"required"`
}

// bindAmount parses {"amount": "..."} into a positive ledger amount and
// returns it with the authenticated caller.
func bindAmount(c *gin.Context) (domain.Address, decimal.Decimal, bool) {
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return "", decimal.Zero, false
	}
	amt, err := domain.ParseAmount("amount", body.Amount)
	if err != nil {
		respondDomainError(c, err, "")
		return "", decimal.Zero, false
	}
	return middleware.GetAddress(c), amt, true
}

// Account godoc
// GET /api/ledger/account [JWT]
func (h *LedgerHandler) Account(c *gin.Context) {
	ctx := c.Request.Context()
	caller := middleware.GetAddress(c)
	respondSuccess(c, http.StatusOK, gin.H{
		"lender":   h.ledger.LenderAccount(ctx, caller),
		"borrower": h.ledger.BorrowerAccount(ctx, caller),
	})
}

// DepositLend godoc
// POST /api/ledger/lend/deposit [JWT] {"amount":"100"}
func (h *LedgerHandler) DepositLend(c *gin.Context) {
	caller, amt, ok := bindAmount(c)
	if !ok {
		return
	}
	acct, err := h.ledger.DepositLend(c.Request.Context(), caller, amt)
	if err != nil {
		respondDomainError(c, err, "deposit failed")
		return
	}
	respondSuccess(c, http.StatusOK, acct)
}

// WithdrawLend godoc
// POST /api/ledger/lend/withdraw [JWT] {"amount":"100"}
func (h *LedgerHandler) WithdrawLend(c *gin.Context) {
	caller, amt, ok := bindAmount(c)
	if !ok {
		return
	}
	acct, err := h.ledger.WithdrawLend(c.Request.Context(), caller, amt)
	if err != nil {
		respondDomainError(c, err, "withdrawal failed")
		return
	}
	respondSuccess(c, http.StatusOK, acct)
}

// DepositCollateral godoc
// POST /api/ledger/collateral/deposit [JWT] {"amount":"150"}
func (h *LedgerHandler) DepositCollateral(c *gin.Context) {
	caller, amt, ok := bindAmount(c)
	if !ok {
		return
	}
	acct, err := h.ledger.DepositCollateral(c.Request.Context(), caller, amt)
	if err != nil {
		respondDomainError(c, err, "deposit failed")
		return
	}
	respondSuccess(c, http.StatusOK, acct)
}

// WithdrawCollateral godoc
// POST /api/ledger/collateral/withdraw [JWT] {"amount":"150"}
func (h *LedgerHandler) WithdrawCollateral(c *gin.Context) {
	caller, amt, ok := bindAmount(c)
	if !ok {
		return
	}
	acct, err := h.ledger.WithdrawCollateral(c.Request.Context(), caller, amt)
	if err != nil {
		respondDomainError(c, err, "withdrawal failed")
		return
	}
	respondSuccess(c, http.StatusOK, acct)
}

// Owed godoc
// GET /api/ledger/loans/:id/owed [JWT]
func (h *LedgerHandler) Owed(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	owed, err := h.ledger.Owed(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err, "could not compute amount owed")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"loan_id": id, "owed": owed})
}

// Repay godoc
// POST /api/ledger/loans/:id/repay [JWT] {"amount":"105"}
func (h *LedgerHandler) Repay(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	caller, value, ok := bindAmount(c)
	if !ok {
		return
	}
	res, err := h.ledger.Repay(c.Request.Context(), caller, id, value)
	if err != nil {
		respondDomainError(c, err, "repayment failed")
		return
	}
	respondSuccess(c, http.StatusOK, res)
}

// Liquidate godoc
// POST /api/ledger/loans/:id/liquidate [JWT, operator]
func (h *LedgerHandler) Liquidate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := h.ledger.Liquidate(c.Request.Context(), middleware.GetAddress(c), id)
	if err != nil {
		respondDomainError(c, err, "liquidation failed")
		return
	}
	respondSuccess(c, http.StatusOK, res)
}
