package ledger

import (
	"context"
	"errors"
	"strings"
)

// =============================================================================
// REGISTRATION
// =============================================================================

type RegisterRequest struct {
	Email string
	Phone string
	Name  string
	PIN   string
	Role  Role
}

// Register creates a pending account with a zero balance. Registering an
// email or phone that already exists is a Conflict failure: no account is
// created and the existing one is left untouched.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	return observe(e, "register", func() (*Account, error) {
		return e.register(ctx, req)
	})
}

func (e *Engine) register(ctx context.Context, req RegisterRequest) (*Account, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Email == "" || req.PIN == "" {
		return nil, fail(ErrInvalidRequest, "email and pin are required")
	}
	if req.Role == "" {
		req.Role = RoleNormal
	}
	if !req.Role.Valid() {
		return nil, fail(ErrInvalidRequest, "unknown role %q", req.Role)
	}

	hash, err := e.hasher.Hash(req.PIN)
	if err != nil {
		return nil, err
	}

	now := e.now()
	account := Account{
		Email:     req.Email,
		Phone:     req.Phone,
		Name:      req.Name,
		PINHash:   hash,
		Role:      req.Role,
		Balance:   0,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = e.atomically(ctx, "register", func(ctx context.Context, tx Tx) error {
		for _, id := range []string{account.Email, account.Phone} {
			if id == "" {
				continue
			}
			existing, err := tx.GetByIdentifier(ctx, id)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return fail(ErrConflict, "%q is already registered", id)
			}
		}
		err := tx.Insert(ctx, account)
		if errors.Is(err, ErrDuplicateAccount) {
			return fail(ErrConflict, "%q is already registered", account.Email)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("op", "register").Str("email", account.Email).Str("role", string(account.Role)).Msg("account registered")
	account.PINHash = ""
	return &account, nil
}

// =============================================================================
// LOGIN - Soft failure contract
// =============================================================================

// LoginResult is either Authenticated with a session credential, or
// rejected with a reason. A rejection is data, not an error.
type LoginResult struct {
	Authenticated bool
	Credential    string
	Identity      Identity
	Reason        string
}

func rejected(reason string) LoginResult {
	return LoginResult{Reason: reason}
}

// Login checks identifier and PIN. Bad identifiers and bad PINs produce a
// rejected result with a nil error; only infrastructure failures and
// integrity faults return an error.
func (e *Engine) Login(ctx context.Context, identifier, pin string) (LoginResult, error) {
	return observe(e, "login", func() (LoginResult, error) {
		account, err := e.resolve(ctx, identifier, false)
		if err != nil {
			if IsValidation(err) {
				return rejected("not logged in"), nil
			}
			return LoginResult{}, err
		}

		if err := e.verifyPIN(account, pin); err != nil {
			if IsValidation(err) {
				return rejected("not logged in"), nil
			}
			return LoginResult{}, err
		}

		err = e.withRetry(ctx, "login", func(ctx context.Context) error {
			return e.store.SetLoggedIn(ctx, account.Email, true)
		})
		if err != nil {
			return LoginResult{}, err
		}

		identity := Identity{Email: account.Email}
		credential, err := e.issuer.Issue(identity)
		if err != nil {
			return LoginResult{}, err
		}

		e.log.Info().Str("op", "login").Str("email", account.Email).Msg("logged in")
		return LoginResult{Authenticated: true, Credential: credential, Identity: identity}, nil
	})
}

// Logout clears the advisory login flag.
func (e *Engine) Logout(ctx context.Context, caller Identity) error {
	_, err := observe(e, "logout", func() (struct{}, error) {
		if caller.IsZero() {
			return struct{}{}, ErrAuth
		}
		err := e.withRetry(ctx, "logout", func(ctx context.Context) error {
			return e.store.SetLoggedIn(ctx, caller.Email, false)
		})
		if errors.Is(err, ErrAccountNotFound) {
			return struct{}{}, fail(ErrNotFound, "no account for %q", caller.Email)
		}
		return struct{}{}, err
	})
	return err
}

// =============================================================================
// ACCOUNT QUERIES AND ADMINISTRATION
// =============================================================================

// Balance returns the caller's own account, without its PIN hash.
func (e *Engine) Balance(ctx context.Context, caller Identity, identifier string) (*Account, error) {
	return observe(e, "balance", func() (*Account, error) {
		account, err := e.ownAccount(ctx, caller, identifier)
		if err != nil {
			return nil, err
		}
		account.PINHash = ""
		return account, nil
	})
}

// requireAdmin checks that caller holds the admin role.
func (e *Engine) requireAdmin(ctx context.Context, caller Identity) error {
	if caller.IsZero() {
		return ErrAuth
	}
	account, err := e.account(ctx, caller.Email)
	if errors.Is(err, ErrNotFound) {
		return fail(ErrForbidden, "unknown caller")
	}
	if err != nil {
		return err
	}
	if account.Role != RoleAdmin {
		return fail(ErrForbidden, "admin role required")
	}
	return nil
}

// Activate moves an account from pending to active. Activating an active
// account is a no-op.
func (e *Engine) Activate(ctx context.Context, caller Identity, identifier string) (*Account, error) {
	return observe(e, "activate", func() (*Account, error) {
		if err := e.requireAdmin(ctx, caller); err != nil {
			return nil, err
		}
		account, err := e.resolve(ctx, identifier, false)
		if err != nil {
			return nil, err
		}
		if account.Status != StatusActive {
			err = e.withRetry(ctx, "activate", func(ctx context.Context) error {
				return e.store.SetStatus(ctx, account.Email, StatusActive)
			})
			if err != nil {
				return nil, err
			}
			account.Status = StatusActive
			e.log.Info().Str("op", "activate").Str("email", account.Email).Str("by", caller.Email).Msg("account activated")
		}
		account.PINHash = ""
		return account, nil
	})
}

// Credit issues new money to an account. It is how agents get float.
func (e *Engine) Credit(ctx context.Context, caller Identity, identifier string, amount int64) (*Record, error) {
	return observe(e, "credit", func() (*Record, error) {
		if err := e.requireAdmin(ctx, caller); err != nil {
			return nil, err
		}
		if err := e.requireAmount(amount); err != nil {
			return nil, err
		}
		target, err := e.resolve(ctx, identifier, false)
		if err != nil {
			return nil, err
		}

		unlock := e.locks.lock(target.Email)
		defer unlock()

		var record Record
		err = e.atomically(ctx, "credit", func(ctx context.Context, tx Tx) error {
			account, err := mustGet(ctx, tx, target.Email)
			if err != nil {
				return err
			}
			balance, err := addToBalance(account, amount)
			if err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, account.Email, balance); err != nil {
				return err
			}
			record = Record{
				ID: e.newID(), OperationID: e.newID(), Kind: KindCredit, Direction: Credit,
				Actor: account.Email, Counterparty: caller.Email, Initiator: caller.Email,
				Amount: amount, Balance: balance, CreatedAt: e.now(),
			}
			return tx.Append(ctx, record)
		})
		if err != nil {
			return nil, err
		}

		e.log.Info().Str("op", "credit").Str("email", record.Actor).Int64("amount", amount).Int64("balance", record.Balance).Msg("account credited")
		return &record, nil
	})
}

// EnsureAdmin registers an active admin account unless one already exists
// under email. It is called once at startup; admins are never created over
// the public registration path.
func (e *Engine) EnsureAdmin(ctx context.Context, email, pin string) (*Account, error) {
	account, err := e.register(ctx, RegisterRequest{Email: email, PIN: pin, Role: RoleAdmin})
	switch {
	case errors.Is(err, ErrConflict):
		account, err = e.account(ctx, strings.TrimSpace(email))
		if err != nil {
			return nil, err
		}
		if account.Role != RoleAdmin {
			return nil, fail(ErrConflict, "%q is registered without the admin role", account.Email)
		}
	case err != nil:
		return nil, err
	}

	if account.Status != StatusActive {
		err = e.withRetry(ctx, "activate", func(ctx context.Context) error {
			return e.store.SetStatus(ctx, account.Email, StatusActive)
		})
		if err != nil {
			return nil, err
		}
		account.Status = StatusActive
	}
	account.PINHash = ""
	return account, nil
}
