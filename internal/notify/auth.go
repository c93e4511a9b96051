// Package notify carries the "new message persisted" signal from the
// ingestion process to the fan-out process that holds live connections.
package notify

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a notify request does not carry the
// configured shared secret.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks notify requests against a shared secret.
type Authenticator struct {
	secret string
}

// NewAuthenticator creates an Authenticator for secret.
// If secret is empty, authentication is disabled.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Enabled returns true if a shared secret is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.secret != ""
}

// Verify accepts "Authorization: Bearer <secret>" or HTTP Basic credentials
// whose password is the secret. It returns nil when authentication is
// disabled.
func (a *Authenticator) Verify(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	header := r.Header.Get("Authorization")
	scheme, credentials, ok := strings.Cut(header, " ")
	if !ok {
		return ErrUnauthorized
	}

	var presented string
	switch strings.ToLower(scheme) {
	case "bearer":
		presented = strings.TrimSpace(credentials)
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(credentials))
		if err != nil {
			return ErrUnauthorized
		}
		// user:password, user ignored
		_, pass, found := strings.Cut(string(decoded), ":")
		if !found {
			return ErrUnauthorized
		}
		presented = pass
	default:
		return ErrUnauthorized
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// apply sets the bearer credentials on an outgoing request.
func (a *Authenticator) apply(r *http.Request) {
	if a.Enabled() {
		r.Header.Set("Authorization", "Bearer "+a.secret)
	}
}
