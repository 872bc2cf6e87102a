package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/service"
)

// MarketHandler serves market-wide and per-loan read endpoints.
type MarketHandler struct {
	querySvc *service.QueryService
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(querySvc *service.QueryService) *MarketHandler {
	return &MarketHandler{querySvc: querySvc}
}

// Stats godoc
// GET /market/stats
func (h *MarketHandler) Stats(c *gin.Context) {
	stats, err := h.querySvc.Stats(c.Request.Context())
	if err != nil {
		respondDomainError(c, err, "could not fetch market stats")
		return
	}
	respondSuccess(c, http.StatusOK, stats)
}

// OrderBook godoc
// GET /market/orderbook
func (h *MarketHandler) OrderBook(c *gin.Context) {
	book, err := h.querySvc.OrderBook(c.Request.Context())
	if err != nil {
		respondDomainError(c, err, "could not fetch order book")
		return
	}
	respondSuccess(c, http.StatusOK, book)
}

// LoansByAddress godoc
// GET /loans/:address
func (h *MarketHandler) LoansByAddress(c *gin.Context) {
	out, err := h.querySvc.Loans(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err, "could not fetch loans")
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// Overdue godoc
// GET /loans/overdue
func (h *MarketHandler) Overdue(c *gin.Context) {
	out, err := h.querySvc.Overdue(c.Request.Context())
	if err != nil {
		respondDomainError(c, err, "could not fetch overdue loans")
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// LoanByID godoc
// GET /loan/:id
func (h *MarketHandler) LoanByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rec, err := h.querySvc.Loan(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err, "could not fetch loan")
		return
	}
	respondSuccess(c, http.StatusOK, rec)
}
