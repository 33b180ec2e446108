package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// CredentialCheck inspects a bearer credential before it is sent. The storefront
// issues JWTs; signatures are the backend's concern, so only the time-based
// claims are checked here. Opaque (non-JWT) credentials always pass.
type CredentialCheck struct {
	ClockSkew time.Duration
	Now       func() time.Time
}

// ErrCredentialExpired reports a credential whose exp claim has passed.
var ErrCredentialExpired = errors.New("identity: credential expired")

// Validate returns ErrCredentialExpired (wrapped) when the token is a JWT that
// is expired or not yet valid.
func (c CredentialCheck) Validate(token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return errors.New("identity: empty credential")
	}
	tok, err := jwt.ParseInsecure([]byte(trimmed))
	if err != nil {
		return nil
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(now)),
	}
	if c.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(c.ClockSkew))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return errors.Join(ErrCredentialExpired, err)
	}
	return nil
}

// Subject returns the sub claim of a JWT credential, or "" for opaque tokens.
func Subject(token string) string {
	tok, err := jwt.ParseInsecure([]byte(strings.TrimSpace(token)))
	if err != nil {
		return ""
	}
	return tok.Subject()
}
