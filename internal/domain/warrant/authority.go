package warrant

import (
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chimera-gw/chimera/internal/domain/policy"
)

// DefaultTTL is the warrant lifetime when none is configured.
const DefaultTTL = time.Hour

// Authority signs warrants with the key matching the routing decision.
// The two private keys are generated and stored independently; compromise
// of one yields nothing about the other.
type Authority struct {
	keys  map[policy.Route]signingKey
	ttl   time.Duration
	clock func() time.Time
}

type signingKey struct {
	kid string
	key *rsa.PrivateKey
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL overrides the warrant lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Tests use this to pin iat and exp.
func WithClock(clock func() time.Time) Option {
	return func(a *Authority) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAuthority builds an authority over the two signing keys. Key ids are
// derived from the public keys, so they stay stable across restarts without
// revealing which plane they belong to.
func NewAuthority(prime, shadow *rsa.PrivateKey, opts ...Option) (*Authority, error) {
	if prime == nil || shadow == nil {
		return nil, fmt.Errorf("authority needs both signing keys")
	}
	if prime.N.Cmp(shadow.N) == 0 {
		return nil, fmt.Errorf("prime and shadow keys must be independent")
	}

	a := &Authority{
		keys: map[policy.Route]signingKey{
			policy.RouteProduction: {kid: KeyID(&prime.PublicKey), key: prime},
			policy.RouteShadow:     {kid: KeyID(&shadow.PublicKey), key: shadow},
		},
		ttl:   DefaultTTL,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LoadAuthority reads both private keys from the key directory laid out by
// GenerateKeyFiles.
func LoadAuthority(dir string, opts ...Option) (*Authority, error) {
	prime, err := LoadPrivateKey(filepath.Join(dir, SlotPrime+"_private.pem"))
	if err != nil {
		return nil, fmt.Errorf("load prime key: %w", err)
	}
	shadow, err := LoadPrivateKey(filepath.Join(dir, SlotShadow+"_private.pem"))
	if err != nil {
		return nil, fmt.Errorf("load shadow key: %w", err)
	}
	return NewAuthority(prime, shadow, opts...)
}

// Issued is a signed warrant plus the identifiers the ledger records for
// correlation. ID is the jti claim, KeyID the kid header.
type Issued struct {
	Token string
	ID    string
	KeyID string
}

// Issue signs a warrant for one tool call on the key matching the route.
// The validity window is half-open [iat, exp).
func (a *Authority) Issue(sessionID, tool string, route policy.Route) (Issued, error) {
	sk, ok := a.keys[route]
	if !ok {
		return Issued{}, fmt.Errorf("%w: %s", ErrNoSigningKey, route)
	}

	now := a.clock().UTC()
	claims := Claims{
		Tool: tool,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = sk.kid

	signed, err := token.SignedString(sk.key)
	if err != nil {
		return Issued{}, fmt.Errorf("sign warrant: %w", err)
	}
	return Issued{Token: signed, ID: claims.ID, KeyID: sk.kid}, nil
}

// KeyIDFor returns the opaque key id used for a route. The backend logs it
// for correlation; it carries no plane label.
func (a *Authority) KeyIDFor(route policy.Route) string {
	return a.keys[route].kid
}
