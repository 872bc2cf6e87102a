package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/service"
)

// IntentHandler serves intent submission and listing.
type IntentHandler struct {
	intentSvc *service.IntentService
	querySvc  *service.QueryService
}

// NewIntentHandler creates an IntentHandler.
func NewIntentHandler(intentSvc *service.IntentService, querySvc *service.QueryService) *IntentHandler {
	return &IntentHandler{intentSvc: intentSvc, querySvc: querySvc}
}

// SubmitLend godoc
// POST /intent/lend {address, amount, duration, minRate?, tranche?}
func (h *IntentHandler) SubmitLend(c *gin.Context) {
	var req domain.LendIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	in, err := h.intentSvc.SubmitLend(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, err, "could not submit lend intent")
		return
	}
	respondSuccess(c, http.StatusCreated, in)
}

// SubmitBorrow godoc
// POST /intent/borrow {address, amount, duration, maxRate?}
func (h *IntentHandler) SubmitBorrow(c *gin.Context) {
	var req domain.BorrowIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	in, err := h.intentSvc.SubmitBorrow(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, err, "could not submit borrow intent")
		return
	}
	respondSuccess(c, http.StatusCreated, in)
}

// Cancel godoc
// DELETE /intent/:id
func (h *IntentHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	in, err := h.intentSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err, "could not cancel intent")
		return
	}
	respondSuccess(c, http.StatusOK, in)
}

// ListByAddress godoc
// GET /intents/:address
func (h *IntentHandler) ListByAddress(c *gin.Context) {
	out, err := h.querySvc.ActiveIntents(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err, "could not list intents")
		return
	}
	respondSuccess(c, http.StatusOK, out)
}
