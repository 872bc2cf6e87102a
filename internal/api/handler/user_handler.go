package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/service"
)

// UserHandler serves per-address views.
type UserHandler struct {
	querySvc *service.QueryService
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(querySvc *service.QueryService) *UserHandler {
	return &UserHandler{querySvc: querySvc}
}

// Lends godoc
// GET /user/:address/lends
func (h *UserHandler) Lends(c *gin.Context) {
	out, err := h.querySvc.Lends(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err, "could not fetch lends")
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// Borrows godoc
// GET /user/:address/borrows
func (h *UserHandler) Borrows(c *gin.Context) {
	out, err := h.querySvc.Borrows(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err, "could not fetch borrows")
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// Credit godoc
// GET /user/:address/credit
func (h *UserHandler) Credit(c *gin.Context) {
	out, err := h.querySvc.Credit(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err, "could not fetch credit")
		return
	}
	respondSuccess(c, http.StatusOK, out)
}

// Activity godoc
// GET /user/:address/activity?limit=50&offset=0
func (h *UserHandler) Activity(c *gin.Context) {
	limit, offset := parsePagination(c)
	out, err := h.querySvc.Activity(c.Request.Context(), c.Param("address"), limit, offset)
	if err != nil {
		respondDomainError(c, err, "could not fetch activity")
		return
	}
	respondList(c, out, len(out), limit, offset)
}
