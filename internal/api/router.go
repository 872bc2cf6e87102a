package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghostlend/protocol/internal/api/handler"
	"github.com/ghostlend/protocol/internal/api/middleware"
	"github.com/ghostlend/protocol/internal/config"
	"github.com/ghostlend/protocol/internal/ledger"
	"github.com/ghostlend/protocol/internal/service"
	"github.com/ghostlend/protocol/internal/ws"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	Ctx       context.Context // bounds background goroutines; defaults to Background
	AuthSvc   *service.AuthService
	IntentSvc *service.IntentService
	QuerySvc  *service.QueryService
	Ledger    *ledger.Ledger
	Hub       *ws.Hub
	Cfg       *config.Config
}

// SetupRouter creates and configures the public Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx := deps.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health & metrics ─────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ── Handlers ─────────────────────────────────────────────────────────────
	intentH := handler.NewIntentHandler(deps.IntentSvc, deps.QuerySvc)
	marketH := handler.NewMarketHandler(deps.QuerySvc)
	userH := handler.NewUserHandler(deps.QuerySvc)
	ledgerH := handler.NewLedgerHandler(deps.Ledger)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	intentRL := middleware.RateLimitMiddleware(ctx, 10) // 10 req/s per IP for intent writes
	ledgerRL := middleware.RateLimitMiddleware(ctx, 20) // 20 req/s per IP for ledger writes

	// ── Intents ──────────────────────────────────────────────────────────────
	intents := r.Group("")
	intents.Use(intentRL)
	{
		intents.POST("/intent/lend", intentH.SubmitLend)
		intents.POST("/intent/borrow", intentH.SubmitBorrow)
		intents.DELETE("/intent/:id", intentH.Cancel)
	}
	r.GET("/intents/:address", intentH.ListByAddress)

	// ── Loans & market (public reads) ────────────────────────────────────────
	r.GET("/loans/overdue", marketH.Overdue)
	r.GET("/loans/:address", marketH.LoansByAddress)
	r.GET("/loan/:id", marketH.LoanByID)
	r.GET("/market/stats", marketH.Stats)
	r.GET("/market/orderbook", marketH.OrderBook)

	// ── Per-address views ─────────────────────────────────────────────────────
	user := r.Group("/user/:address")
	{
		user.GET("/lends", userH.Lends)
		user.GET("/borrows", userH.Borrows)
		user.GET("/credit", userH.Credit)
		user.GET("/activity", userH.Activity)
	}

	// ── Caller-signed ledger operations ───────────────────────────────────────
	led := r.Group("/api/ledger")
	led.Use(middleware.JWTMiddleware(deps.AuthSvc), ledgerRL)
	{
		led.GET("/account", ledgerH.Account)
		led.POST("/lend/deposit", ledgerH.DepositLend)
		led.POST("/lend/withdraw", ledgerH.WithdrawLend)
		led.POST("/collateral/deposit", ledgerH.DepositCollateral)
		led.POST("/collateral/withdraw", ledgerH.WithdrawCollateral)
		led.GET("/loans/:id/owed", ledgerH.Owed)
		led.POST("/loans/:id/repay", ledgerH.Repay)
		led.POST("/loans/:id/liquidate", middleware.RoleMiddleware(service.RoleOperator), ledgerH.Liquidate)
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In development all origins are allowed; in production only configured origins.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
