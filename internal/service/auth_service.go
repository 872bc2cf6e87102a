package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ghostlend/protocol/internal/config"
	"github.com/ghostlend/protocol/internal/domain"
)

// Roles carried in access tokens.
const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

// ──────────────────────────────────────────────────────────────────────────────
// JWT claims
// ──────────────────────────────────────────────────────────────────────────────

// AppClaims extends jwt.RegisteredClaims with application-specific fields.
// Subject is the checksummed wallet address of the caller.
type AppClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	TokenType string `json:"type"` // always "access"
}

// Address returns the caller address carried in the subject claim.
func (c *AppClaims) Address() (domain.Address, error) {
	addr, err := domain.ParseAddress(c.Subject)
	if err != nil {
		return "", domain.ErrTokenInvalid
	}
	return addr, nil
}

// IsOperator reports whether the token was issued with the operator role.
func (c *AppClaims) IsOperator() bool { return c.Role == RoleOperator }

// ──────────────────────────────────────────────────────────────────────────────
// AuthService
// ──────────────────────────────────────────────────────────────────────────────

// OperatorChecker reports whether an address holds the operator capability.
type OperatorChecker interface {
	Contains(addr domain.Address) bool
}

// AuthService issues and verifies the access tokens that identify ledger
// callers. Wallet signature verification happens upstream; a token is only
// minted for an address that already proved ownership.
type AuthService struct {
	cfg       config.JWTConfig
	operators OperatorChecker
	now       func() time.Time
}

// NewAuthService creates an AuthService.
func NewAuthService(cfg config.JWTConfig, operators OperatorChecker) *AuthService {
	return &AuthService{cfg: cfg, operators: operators, now: time.Now}
}

// IssueToken signs an access token for addr. The operator role is granted
// only when addr is in the operator set.
func (s *AuthService) IssueToken(addr domain.Address) (string, error) {
	if s.cfg.AccessSecret == "" {
		return "", errors.New("auth_service.IssueToken: signing secret not configured")
	}
	role := RoleUser
	if s.operators != nil && s.operators.Contains(addr) {
		role = RoleOperator
	}

	now := s.now().UTC()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
		Role:      role,
		TokenType: "access",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.AccessSecret))
	if err != nil {
		return "", fmt.Errorf("auth_service.IssueToken: %w", err)
	}
	return signed, nil
}

// parseToken validates the token signature, algorithm, and expiry.
func (s *AuthService) parseToken(tokenString string) (*AppClaims, error) {
	secret := []byte(s.cfg.AccessSecret)
	tok, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(s.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, domain.ErrTokenExpired
	}
	if err != nil || !tok.Valid {
		return nil, domain.ErrTokenInvalid
	}
	claims, ok := tok.Claims.(*AppClaims)
	if !ok || claims.TokenType != "access" {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

// ParseAccessToken is exported for use by the JWT middleware.
func (s *AuthService) ParseAccessToken(tokenString string) (*AppClaims, error) {
	return s.parseToken(tokenString)
}
