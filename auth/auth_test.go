package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/mfc-ledger/ledger"
)

func newTestSessions(t *testing.T, secret string) *Sessions {
	t.Helper()
	s, err := NewSessions([]byte(secret), time.Hour)
	require.NoError(t, err)
	return s
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessions_IssueThenAuthenticate(t *testing.T) {
	s := newTestSessions(t, "secret")

	token, err := s.Issue(ledger.Identity{Email: "alice@example.com"})
	require.NoError(t, err)

	identity, err := s.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity.Email)
}

func TestSessions_RejectsBadCredentials(t *testing.T) {
	s := newTestSessions(t, "secret")
	token, err := s.Issue(ledger.Identity{Email: "alice@example.com"})
	require.NoError(t, err)

	foreign, err := newTestSessions(t, "other-secret").Issue(ledger.Identity{Email: "alice@example.com"})
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "alice@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  issuer,
		Subject: "alice@example.com",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"tampered":       token + "x",
		"wrong secret":   foreign,
		"wrong issuer":   wrongIssuer,
		"missing expiry": noExpiry,
	}
	for name, credential := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Authenticate(context.Background(), credential)
			assert.ErrorIs(t, err, ledger.ErrAuth)
		})
	}
}

func TestSessions_Expire(t *testing.T) {
	s := newTestSessions(t, "secret")
	issuedAt := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issuedAt }

	token, err := s.Issue(ledger.Identity{Email: "alice@example.com"})
	require.NoError(t, err)

	s.now = func() time.Time { return issuedAt.Add(59 * time.Minute) }
	_, err = s.Authenticate(context.Background(), token)
	require.NoError(t, err)

	s.now = func() time.Time { return issuedAt.Add(61 * time.Minute) }
	_, err = s.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ledger.ErrAuth)
}

func TestNewSessions_Validation(t *testing.T) {
	_, err := NewSessions(nil, time.Hour)
	assert.Error(t, err)

	_, err = NewSessions([]byte("secret"), 0)
	assert.Error(t, err)

	_, err = newTestSessions(t, "secret").Issue(ledger.Identity{})
	assert.ErrorIs(t, err, ledger.ErrAuth)
}

// =============================================================================
// PIN HASHING
// =============================================================================

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: bcrypt.MinCost}

	hash, err := h.Hash("1234")
	require.NoError(t, err)
	assert.NotEqual(t, "1234", hash)

	ok, err := h.Verify(hash, "1234")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(hash, "4321")
	require.NoError(t, err, "a mismatch is not an error")
	assert.False(t, ok)

	_, err = h.Verify("not-a-bcrypt-hash", "1234")
	assert.Error(t, err, "a corrupt hash must not look like a wrong pin")
}
