package ledger

import (
	"context"
	"fmt"
)

// Resolver maps a user-supplied identifier (email or phone) to exactly one
// account. It is the only place that interprets identifiers, so the
// one-identifier-one-account invariant is checked in one spot.
type Resolver struct {
	accounts AccountStore
}

func NewResolver(accounts AccountStore) *Resolver {
	return &Resolver{accounts: accounts}
}

// Resolve returns the account identified by identifier.
// A NotFound failure is returned when nothing matches; more than one match
// is an integrity fault and is never retried.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Account, error) {
	if identifier == "" {
		return nil, fail(ErrNotFound, "identifier is empty")
	}

	matches, err := r.accounts.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fail(ErrNotFound, "no account for %q", identifier)
	case 1:
		account := matches[0]
		return &account, nil
	default:
		return nil, fmt.Errorf("%w: identifier %q matches %d accounts", ErrIntegrityFault, identifier, len(matches))
	}
}

// ResolveAgent is Resolve restricted to accounts with the agent role.
func (r *Resolver) ResolveAgent(ctx context.Context, identifier string) (*Account, error) {
	account, err := r.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if account.Role != RoleAgent {
		return nil, fail(ErrNotFound, "%q is not an agent", identifier)
	}
	return account, nil
}
