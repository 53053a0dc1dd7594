// Package warrant issues and verifies the signed routing warrants that bind
// a tool call to a data plane. Two independent RSA keypairs sign warrants:
// one for production, one for shadow. The route is never written into the
// warrant itself; it is implied by which key verifies, so a verifier holding
// only one public key can accept exactly the calls destined for its plane.
package warrant

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Registered claim values fixed by the warrant format.
const (
	// Issuer identifies the gateway as the signing party.
	Issuer = "chimera"
	// Audience identifies the execution backend as the consuming party.
	Audience = "backend"
)

// Key slot names used for key files on disk. They never appear on the wire;
// the wire carries an opaque key id derived from the public key.
const (
	SlotPrime  = "prime"
	SlotShadow = "shadow"
)

var (
	// ErrInvalidWarrant covers every verification failure: bad signature,
	// wrong key, expiry, malformed claims. Callers must not distinguish
	// these on the wire.
	ErrInvalidWarrant = errors.New("invalid warrant")
	// ErrNoSigningKey reports a route with no configured signing key.
	ErrNoSigningKey = errors.New("no signing key for route")
)

// Claims is the warrant payload. Tool binds the warrant to a single tool
// invocation; everything else is standard JWT bookkeeping.
type Claims struct {
	// Tool is the tool name the warrant authorizes.
	Tool string `json:"tool"`

	jwt.RegisteredClaims
}

// SessionID returns the session the warrant was issued for.
func (c *Claims) SessionID() string {
	return c.Subject
}

// BoundTo reports whether the warrant authorizes the named tool.
func (c *Claims) BoundTo(tool string) bool {
	return c.Tool == tool
}
