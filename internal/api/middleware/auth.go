package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/service"
)

// ContextKey constants for gin.Context values set by middleware.
const (
	CtxAddress = "address"
	CtxRole    = "role"
)

// ──────────────────────────────────────────────────────────────────────────────
// JWTMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// JWTMiddleware validates the Bearer token in the Authorization header.
// On success it stores the caller address (domain.Address) and role (string)
// in the gin context.
func JWTMiddleware(authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, authSvc)
		if !ok {
			abortUnauthorized(c, domain.ErrUnauthorized)
			return
		}
		if claims == nil {
			return
		}
		c.Next()
	}
}

// bearerClaims parses the Authorization header. It returns ok=false when no
// bearer token is present, and aborts with 401 (returning nil claims) when a
// token is present but invalid.
func bearerClaims(c *gin.Context, authSvc *service.AuthService) (*service.AppClaims, bool) {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return nil, false
	}

	claims, err := authSvc.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		abortUnauthorized(c, err)
		return nil, true
	}
	addr, err := claims.Address()
	if err != nil {
		abortUnauthorized(c, err)
		return nil, true
	}

	c.Set(CtxAddress, addr)
	c.Set(CtxRole, claims.Role)
	return claims, true
}

func abortUnauthorized(c *gin.Context, err error) {
	msg := domain.ErrTokenInvalid.Error()
	if errors.Is(err, domain.ErrTokenExpired) || errors.Is(err, domain.ErrUnauthorized) {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   msg,
		"code":    "ERR_UNAUTHORIZED",
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// RoleMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// RoleMiddleware ensures the authenticated caller has one of the allowed roles.
// Must be placed after JWTMiddleware in the chain.
func RoleMiddleware(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if !allowed[GetRole(c)] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   domain.ErrForbidden.Error(),
				"code":    "ERR_FORBIDDEN",
			})
			return
		}
		c.Next()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// OperatorMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// OperatorMiddleware admits a request carrying the operator API key in
// X-API-Key, or a Bearer token with the operator role.
func OperatorMiddleware(apiKey string, authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" && apiKey != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			c.Set(CtxRole, service.RoleOperator)
			c.Next()
			return
		}

		if authSvc != nil {
			claims, ok := bearerClaims(c, authSvc)
			if ok && claims == nil {
				return // already aborted
			}
			if ok && claims.IsOperator() {
				c.Next()
				return
			}
			if ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"success": false,
					"error":   domain.ErrForbidden.Error(),
					"code":    "ERR_FORBIDDEN",
				})
				return
			}
		}
		abortUnauthorized(c, domain.ErrUnauthorized)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers for handlers
// ──────────────────────────────────────────────────────────────────────────────

// GetAddress retrieves the authenticated caller's address from the gin
// context. Returns "" if the middleware was not applied.
func GetAddress(c *gin.Context) domain.Address {
	v, exists := c.Get(CtxAddress)
	if !exists {
		return ""
	}
	addr, _ := v.(domain.Address)
	return addr
}

// GetRole retrieves the authenticated caller's role string from the gin context.
func GetRole(c *gin.Context) string {
	v, _ := c.Get(CtxRole)
	r, _ := v.(string)
	return r
}
