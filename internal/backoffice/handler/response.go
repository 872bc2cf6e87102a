package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard admin response helpers (mirrors internal/api/handler/response.go)
// ──────────────────────────────────────────────────────────────────────────────

func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// respondOperatorError maps the errors an operator action can surface.
func respondOperatorError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
	case domain.IsAuthorization(err):
		respondError(c, http.StatusForbidden, "ERR_FORBIDDEN", err.Error())
	case domain.IsState(err):
		respondError(c, http.StatusConflict, "ERR_"+string(domain.StateCodeOf(err)), err.Error())
	case domain.IsTransient(err):
		respondError(c, http.StatusServiceUnavailable, "ERR_UNAVAILABLE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
	}
}
