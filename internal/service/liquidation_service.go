package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/ghostlend/protocol/internal/metrics"
)

// OverdueSource lists candidate loans for a liquidation sweep.
type OverdueSource interface {
	OverdueLoans(ctx context.Context, now time.Time) ([]domain.LoanRecord, error)
}

// Liquidator is the ledger call a sweep makes per loan.
type Liquidator interface {
	Liquidate(ctx context.Context, caller domain.Address, loanID int64) (*domain.LiquidationResult, error)
}

// LiquidationService defaults overdue loans on behalf of the operator.
type LiquidationService struct {
	source      OverdueSource
	ledger      Liquidator
	operator    domain.Address
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.ProtocolMetrics
	now         func() time.Time
}

// NewLiquidationService creates a LiquidationService.
func NewLiquidationService(
	source OverdueSource,
	ledger Liquidator,
	operator domain.Address,
	callTimeout time.Duration,
	logger *slog.Logger,
	m *metrics.ProtocolMetrics,
) *LiquidationService {
	if logger == nil {
		logger = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &LiquidationService{
		source:      source,
		ledger:      ledger,
		operator:    operator,
		callTimeout: callTimeout,
		logger:      logger.With("component", "liquidation"),
		metrics:     m,
		now:         time.Now,
	}
}

// LiquidateOverdue sweeps every overdue active loan the replica knows about
// and returns how many were liquidated. The replica may lag the ledger, so
// loans already settled or not yet overdue on the ledger are skipped. Any
// other failure is logged and the sweep moves on; the first such error is
// returned alongside the count.
func (s *LiquidationService) LiquidateOverdue(ctx context.Context) (int, error) {
	loans, err := s.source.OverdueLoans(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("liquidation_service.LiquidateOverdue: %w", err)
	}

	var (
		liquidated int
		firstErr   error
	)
	for _, rec := range loans {
		if ctx.Err() != nil {
			break
		}
		err := s.liquidate(ctx, rec.LoanID)
		switch {
		case err == nil:
			liquidated++
			s.metrics.ObserveLiquidation("liquidated")
		case errors.Is(err, domain.ErrNotOverdue), errors.Is(err, domain.ErrAlreadySettled):
			s.metrics.ObserveLiquidation("skipped")
			s.logger.Debug("liquidation skipped", slog.Int64("loan_id", rec.LoanID), slog.String("reason", string(domain.StateCodeOf(err))))
		default:
			s.metrics.ObserveLiquidation("failed")
			s.logger.Error("liquidation failed", slog.Int64("loan_id", rec.LoanID), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if liquidated > 0 {
		s.logger.Info("liquidation sweep done", slog.Int("candidates", len(loans)), slog.Int("liquidated", liquidated))
	}
	if firstErr != nil {
		return liquidated, fmt.Errorf("liquidation_service.LiquidateOverdue: %w", firstErr)
	}
	return liquidated, nil
}

func (s *LiquidationService) liquidate(ctx context.Context, loanID int64) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	_, err := s.ledger.Liquidate(callCtx, s.operator, loanID)
	return err
}
