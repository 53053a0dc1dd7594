package warrant

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks warrants against a single public key. Each data plane
// holds one verifier, so a warrant signed for the other plane fails here
// exactly like a forged one.
type Verifier struct {
	kid   string
	key   *rsa.PublicKey
	clock func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source used for expiry checks.
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewVerifier builds a verifier for one public key.
func NewVerifier(key *rsa.PublicKey, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		kid:   KeyID(key),
		key:   key,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LoadVerifier reads a public key file and wraps it in a verifier.
func LoadVerifier(path string, opts ...VerifierOption) (*Verifier, error) {
	key, err := LoadPublicKey(path)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key, opts...), nil
}

// Verify parses and validates a warrant. Expiry is half-open: a warrant
// presented exactly at exp is already invalid. All failures collapse into
// ErrInvalidWarrant so callers cannot leak the cause.
func (v *Verifier) Verify(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWarrant, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidWarrant
	}
	if claims.Tool == "" {
		return nil, fmt.Errorf("%w: missing tool claim", ErrInvalidWarrant)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti claim", ErrInvalidWarrant)
	}
	return &claims, nil
}

// KeyID returns the opaque id of the key this verifier trusts.
func (v *Verifier) KeyID() string {
	return v.kid
}

func (v *Verifier) keyfunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid != v.kid {
		return nil, fmt.Errorf("unknown key id")
	}
	return v.key, nil
}
