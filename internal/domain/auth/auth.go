// Package auth implements the bridge's shared-secret authentication.
//
// The bridge supports one secret, supplied at startup. The plaintext is
// hashed immediately and discarded; every request verifies against the
// hash, so a memory dump after startup never yields the credential.
package auth

import (
	"errors"
	"fmt"

	"github.com/alexedwards/argon2id"
)

// Mode selects how clients present the secret.
type Mode string

const (
	// ModeNone disables authentication.
	ModeNone Mode = "none"
	// ModeBearer expects "Authorization: Bearer <secret>".
	ModeBearer Mode = "bearer"
	// ModeAPIKey expects "X-API-Key: <secret>".
	ModeAPIKey Mode = "apikey"
)

// ErrSecretRequired is returned when an authenticated mode has no secret.
var ErrSecretRequired = errors.New("auth mode requires a secret")

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeBearer, ModeAPIKey:
		return Mode(s), nil
	case "":
		return ModeNone, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// argon2idParams are the OWASP minimum parameters.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Verifier checks presented tokens against the startup secret's hash.
type Verifier struct {
	mode Mode
	hash string
}

// NewVerifier hashes the secret and returns the verifier. The caller must
// not retain the plaintext. An empty secret is allowed only for ModeNone.
func NewVerifier(mode Mode, secret string) (*Verifier, error) {
	if mode == ModeNone {
		return &Verifier{mode: ModeNone}, nil
	}
	if secret == "" {
		return nil, ErrSecretRequired
	}
	hash, err := argon2id.CreateHash(secret, argon2idParams)
	if err != nil {
		return nil, fmt.Errorf("hash auth secret: %w", err)
	}
	return &Verifier{mode: mode, hash: hash}, nil
}

// Mode returns the configured mode.
func (v *Verifier) Mode() Mode { return v.mode }

// Enabled reports whether requests must authenticate.
func (v *Verifier) Enabled() bool { return v.mode != ModeNone }

// Verify reports whether the presented token matches the secret. Always
// true under ModeNone. Comparison is constant-time inside argon2id.
func (v *Verifier) Verify(token string) bool {
	if v.mode == ModeNone {
		return true
	}
	if token == "" {
		return false
	}
	match, err := safeCompare(token, v.hash)
	return err == nil && match
}

// safeCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying library panics on malformed hash parameters; verification
// must degrade to a mismatch, never crash the server.
func safeCompare(token, hash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(token, hash)
}
