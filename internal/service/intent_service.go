package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ghostlend/protocol/internal/domain"
)

// IntentStore is the persistence the intent service needs.
type IntentStore interface {
	Create(ctx context.Context, in *domain.Intent) error
	GetByID(ctx context.Context, id int64) (*domain.Intent, error)
	Cancel(ctx context.Context, id int64) error
	ActiveByAddress(ctx context.Context, addr domain.Address) ([]domain.Intent, error)
}

// IntentService accepts lend and borrow intents for the clearing engine.
// Intents carry no ledger effect until a clearing run executes them.
type IntentService struct {
	store  IntentStore
	logger *slog.Logger
}

// NewIntentService creates an IntentService.
func NewIntentService(store IntentStore, logger *slog.Logger) *IntentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentService{store: store, logger: logger.With("component", "intent_service")}
}

// SubmitLend validates and stores a lend intent. The tranche defaults to senior.
func (s *IntentService) SubmitLend(ctx context.Context, req domain.LendIntentRequest) (*domain.Intent, error) {
	in, err := req.ToIntent()
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("intent_service.SubmitLend: %w", err)
	}
	s.logger.Info("lend intent submitted",
		slog.Int64("intent_id", in.ID),
		slog.String("address", in.Address.Short()),
		slog.String("amount", in.Amount.String()),
		slog.String("tranche", string(in.Seniority())),
	)
	return in, nil
}

// SubmitBorrow validates and stores a borrow intent.
func (s *IntentService) SubmitBorrow(ctx context.Context, req domain.BorrowIntentRequest) (*domain.Intent, error) {
	in, err := req.ToIntent()
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("intent_service.SubmitBorrow: %w", err)
	}
	s.logger.Info("borrow intent submitted",
		slog.Int64("intent_id", in.ID),
		slog.String("address", in.Address.Short()),
		slog.String("amount", in.Amount.String()),
	)
	return in, nil
}

// Cancel deactivates an intent and returns its final state. Cancelling an
// already inactive intent is a no-op.
func (s *IntentService) Cancel(ctx context.Context, id int64) (*domain.Intent, error) {
	if id <= 0 {
		return nil, domain.NewValidationError("id", "must be a positive integer")
	}
	if err := s.store.Cancel(ctx, id); err != nil {
		return nil, fmt.Errorf("intent_service.Cancel: %w", err)
	}
	in, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("intent_service.Cancel: %w", err)
	}
	s.logger.Info("intent cancelled", slog.Int64("intent_id", id))
	return in, nil
}

// ActiveByAddress lists the caller's open intents.
func (s *IntentService) ActiveByAddress(ctx context.Context, raw string) ([]domain.Intent, error) {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	out, err := s.store.ActiveByAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("intent_service.ActiveByAddress: %w", err)
	}
	return out, nil
}
