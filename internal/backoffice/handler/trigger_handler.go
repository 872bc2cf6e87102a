package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostlend/protocol/internal/clearing"
)

// Settler runs one clearing pass.
type Settler interface {
	Run(ctx context.Context) (*clearing.RunResult, error)
}

// Sweeper liquidates every overdue loan it can find.
type Sweeper interface {
	LiquidateOverdue(ctx context.Context) (int, error)
}

// TriggerHandler serves the cadence endpoints polled by cmd/runner.
type TriggerHandler struct {
	settler Settler
	sweeper Sweeper
	logger  *slog.Logger
}

// NewTriggerHandler creates a TriggerHandler.
func NewTriggerHandler(settler Settler, sweeper Sweeper, logger *slog.Logger) *TriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerHandler{settler: settler, sweeper: sweeper, logger: logger.With("component", "trigger")}
}

// Settle godoc
// POST /admin/trigger/settle
//
// A run already in progress is not an error for the caller: it reports zero
// matches and the next tick picks up whatever is left.
func (h *TriggerHandler) Settle(c *gin.Context) {
	res, err := h.settler.Run(c.Request.Context())
	if errors.Is(err, clearing.ErrRunInProgress) {
		respondSuccess(c, http.StatusOK, gin.H{"matched": 0, "skipped": true})
		return
	}
	if err != nil {
		h.logger.Error("settle trigger failed", "err", err)
		respondOperatorError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"matched":  res.Matched(),
		"run_id":   res.RunID,
		"rejected": res.Rejected,
		"stale":    res.Stale,
		"degraded": res.Degraded,
	})
}

// Liquidate godoc
// POST /admin/trigger/liquidate
func (h *TriggerHandler) Liquidate(c *gin.Context) {
	n, err := h.sweeper.LiquidateOverdue(c.Request.Context())
	if err != nil {
		// Partial sweeps still report how far they got.
		h.logger.Warn("liquidation sweep incomplete", "liquidated", n, "err", err)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    gin.H{"liquidated": n},
			"warning": err.Error(),
		})
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"liquidated": n})
}
