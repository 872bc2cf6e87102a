package ledger

import (
	"context"

	"github.com/ghostlend/protocol/internal/domain"
)

// Action is a privileged ledger capability.
type Action string

const (
	ActionExecuteLoan Action = "execute_loan"
	ActionLiquidate   Action = "liquidate"
)

// Authorizer decides whether caller may perform action. Implementations
// return a *domain.AuthorizationError (or nil).
type Authorizer interface {
	Authorize(ctx context.Context, caller domain.Address, action Action) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, caller domain.Address, action Action) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller domain.Address, action Action) error {
	return f(ctx, caller, action)
}

// OperatorSet grants every privileged action to a fixed set of addresses.
// It is read-only after construction.
type OperatorSet struct {
	ops map[domain.Address]struct{}
}

// NewOperatorSet returns a set containing addrs.
func NewOperatorSet(addrs ...domain.Address) *OperatorSet {
	s := &OperatorSet{ops: make(map[domain.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		s.ops[a] = struct{}{}
	}
	return s
}

// Contains reports whether addr is an operator.
func (s *OperatorSet) Contains(addr domain.Address) bool {
	_, ok := s.ops[addr]
	return ok
}

func (s *OperatorSet) Authorize(_ context.Context, caller domain.Address, action Action) error {
	if s.Contains(caller) {
		return nil
	}
	return &domain.AuthorizationError{Caller: caller, Action: string(action)}
}

// denyAll is used when no authorizer is configured.
var denyAll = AuthorizerFunc(func(_ context.Context, caller domain.Address, action Action) error {
	return &domain.AuthorizationError{Caller: caller, Action: string(action)}
})
