package backoffice

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/api/middleware"
	"github.com/ghostlend/protocol/internal/backoffice/handler"
	"github.com/ghostlend/protocol/internal/config"
	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/service"
)

// BackofficeDeps bundles every dependency needed for the operator router.
type BackofficeDeps struct {
	AuthSvc *service.AuthService
	Settler handler.Settler
	Sweeper handler.Sweeper
	Ledger  handler.LedgerView
	Stats   handler.StatsReader
	Indexer handler.IndexerStatus
	Clients handler.ClientCounter    // optional
	Policy  *domain.CollateralPolicy // nil means the default 150 % table
	Cfg     *config.Config
	Logger  *slog.Logger
}

// SetupBackofficeRouter creates the operator Gin engine on the backoffice port.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Token minting is a development convenience only.
	var tokens handler.TokenIssuer
	if !deps.Cfg.IsProd() && deps.AuthSvc != nil {
		tokens = deps.AuthSvc
	}

	policy := deps.Policy
	if policy == nil {
		policy = domain.DefaultCollateralPolicy()
	}

	triggerH := handler.NewTriggerHandler(deps.Settler, deps.Sweeper, deps.Logger)
	dashH := handler.NewDashboardHandler(deps.Ledger, deps.Stats, deps.Indexer, policy, deps.Clients, tokens)

	admin := r.Group("/admin")
	admin.Use(middleware.OperatorMiddleware(deps.Cfg.Operator.APIKey, deps.AuthSvc))
	{
		admin.GET("/dashboard", dashH.Dashboard)
		admin.GET("/indexer/status", dashH.IndexerStatus)
		admin.GET("/accounts/:address", dashH.Account)
		admin.GET("/loans/:id", dashH.Loan)
		admin.POST("/tokens", dashH.IssueToken)

		// Cadence triggers
		t := admin.Group("/trigger")
		{
			t.POST("/settle", triggerH.Settle)
			t.POST("/liquidate", triggerH.Liquidate)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// allowedIPs is a comma-separated string; empty means allow all.
func ipWhitelistMiddleware(allowedIPs string) gin.HandlerFunc {
	if allowedIPs == "" {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := make(map[string]bool)
	for _, ip := range strings.Split(allowedIPs, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = true
		}
	}

	return func(c *gin.Context) {
		if !allowed[c.ClientIP()] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "access denied: your IP is not whitelisted",
				"code":    "ERR_FORBIDDEN",
			})
			return
		}
		c.Next()
	}
}
