package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/warp/mfc-ledger/ledger"
)

// BcryptHasher hashes PINs with bcrypt.
type BcryptHasher struct {
	Cost int
}

var _ ledger.PINHasher = BcryptHasher{}

func (h BcryptHasher) Hash(pin string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", fmt.Errorf("could not hash pin: %w", err)
	}
	return string(hash), nil
}

// Verify returns false with a nil error on a mismatch. Any other bcrypt
// error means the stored hash is unusable.
func (h BcryptHasher) Verify(hash, pin string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("could not verify pin: %w", err)
	}
}
