package ledger

import "context"

// Authenticator verifies an opaque caller credential. The routing layer calls
// it before every engine operation that needs a caller identity.
// Implementations return an error wrapping ErrAuth for bad or expired
// credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// Issuer mints a session credential for a freshly logged-in identity.
type Issuer interface {
	Issue(identity Identity) (string, error)
}

// PINHasher hashes and verifies account PINs.
// Verify returns (false, nil) on a plain mismatch and a non-nil error only
// when verification itself could not run.
type PINHasher interface {
	Hash(pin string) (string, error)
	Verify(hash, pin string) (bool, error)
}
