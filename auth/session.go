/*
Package auth provides the session authenticator and PIN hashing used by
the ledger engine.

SESSIONS:
  Sessions are HS256 JWTs. The subject is the account email; nothing else
  about the caller is trusted from the token. Tokens expire after the
  configured TTL. Logout clears the account's advisory logged-in flag but
  does not revoke outstanding tokens.

SEE ALSO:
  - ledger/auth.go: Authenticator, Issuer and PINHasher interfaces
  - pin.go: bcrypt PIN hashing
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/mfc-ledger/ledger"
)

const issuer = "mfc-ledger"

// Sessions issues and verifies session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var (
	_ ledger.Authenticator = (*Sessions)(nil)
	_ ledger.Issuer        = (*Sessions)(nil)
)

// NewSessions returns a Sessions signing with secret. The secret must not be empty.
func NewSessions(secret []byte, ttl time.Duration) (*Sessions, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	return &Sessions{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for identity.
func (s *Sessions) Issue(identity ledger.Identity) (string, error) {
	if identity.IsZero() {
		return "", fmt.Errorf("%w: empty identity", ledger.ErrAuth)
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   identity.Email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("could not sign session token: %w", err)
	}
	return token, nil
}

// Authenticate verifies credential and returns the identity it was issued for.
// Every failure wraps ledger.ErrAuth.
func (s *Sessions) Authenticate(_ context.Context, credential string) (ledger.Identity, error) {
	if credential == "" {
		return ledger.Identity{}, fmt.Errorf("%w: missing credential", ledger.ErrAuth)
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(credential, &claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return ledger.Identity{}, fmt.Errorf("%w: %v", ledger.ErrAuth, err)
	}
	if claims.Subject == "" {
		return ledger.Identity{}, fmt.Errorf("%w: token has no subject", ledger.ErrAuth)
	}
	return ledger.Identity{Email: claims.Subject}, nil
}
