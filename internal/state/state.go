// Package state derives the anti-CSRF state parameter used to correlate an
// authorization request with its callback.
//
// Tokens are deterministic: an HMAC-SHA256 of the device id under a
// service-wide secret. Verification is pure recomputation, so no server-side
// storage or extra cookie is needed. This blocks forgery by third parties but
// does not prevent a device replaying its own earlier state value.
package state

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrEmptySecret indicates the signer was constructed without a secret
var ErrEmptySecret = errors.New("state secret must not be empty")

// Signer produces and verifies device-bound state tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer keyed with the given secret. An empty secret is
// a configuration error: running without one would make every state token
// forgeable.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Signer{secret: s}, nil
}

// Token returns the state token bound to the given device id.
func (s *Signer) Token(deviceID string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(deviceID))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Verify reports whether presented is the state token for the given device
// id. Comparison is constant time.
func (s *Signer) Verify(deviceID, presented string) bool {
	if presented == "" {
		return false
	}
	return hmac.Equal([]byte(s.Token(deviceID)), []byte(presented))
}
