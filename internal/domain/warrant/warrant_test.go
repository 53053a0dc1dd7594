package warrant

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chimera-gw/chimera/internal/domain/policy"
)

// Test keys are generated once; 2048 bits keeps the suite fast while
// exercising the same code paths as the production 4096-bit keys.
var (
	testKeysOnce sync.Once
	testPrime    *rsa.PrivateKey
	testShadow   *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		testPrime, _ = rsa.GenerateKey(rand.Reader, 2048)
		testShadow, _ = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testPrime == nil || testShadow == nil {
		t.Fatal("test key generation failed")
	}
	return testPrime, testShadow
}

func testAuthority(t *testing.T, opts ...Option) (*Authority, *Verifier, *Verifier) {
	t.Helper()
	prime, shadow := testKeys(t)
	a, err := NewAuthority(prime, shadow, opts...)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	return a, NewVerifier(&prime.PublicKey), NewVerifier(&shadow.PublicKey)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	a, primeV, shadowV := testAuthority(t)

	w, err := a.Issue("sess-1", "read_file", policy.RouteProduction)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if w.ID == "" || w.KeyID == "" {
		t.Fatalf("Issue() returned incomplete identifiers: %+v", w)
	}

	claims, err := primeV.Verify(w.Token)
	if err != nil {
		t.Fatalf("prime Verify() error = %v", err)
	}
	if claims.SessionID() != "sess-1" {
		t.Errorf("session = %q, want sess-1", claims.SessionID())
	}
	if !claims.BoundTo("read_file") {
		t.Errorf("tool = %q, want read_file", claims.Tool)
	}
	if claims.Issuer != Issuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != Audience {
		t.Errorf("aud = %v, want [%s]", claims.Audience, Audience)
	}
	if claims.ID != w.ID {
		t.Errorf("jti = %q, want the issued id %q", claims.ID, w.ID)
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		t.Error("exp is not after iat")
	}

	if _, err := shadowV.Verify(w.Token); err == nil {
		t.Fatal("shadow verifier accepted a production warrant")
	}
}

func TestExactlyOneVerifierAccepts(t *testing.T) {
	a, primeV, shadowV := testAuthority(t)

	for _, route := range []policy.Route{policy.RouteProduction, policy.RouteShadow} {
		w, err := a.Issue("sess-2", "query_db", route)
		if err != nil {
			t.Fatalf("Issue(%s) error = %v", route, err)
		}

		accepted := 0
		for _, v := range []*Verifier{primeV, shadowV} {
			if _, err := v.Verify(w.Token); err == nil {
				accepted++
			}
		}
		if accepted != 1 {
			t.Errorf("route %s: %d verifiers accepted, want exactly 1", route, accepted)
		}
	}
}

func TestTamperedWarrantFailsBothVerifiers(t *testing.T) {
	a, primeV, shadowV := testAuthority(t)

	w, err := a.Issue("sess-3", "read_file", policy.RouteProduction)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(w.Token, ".")
	if len(parts) != 3 {
		t.Fatalf("warrant is not a compact JWT: %d segments", len(parts))
	}
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := strings.Join([]string{parts[0], string(payload), parts[2]}, ".")

	for name, v := range map[string]*Verifier{"prime": primeV, "shadow": shadowV} {
		if _, err := v.Verify(tampered); err == nil {
			t.Errorf("%s verifier accepted a tampered warrant", name)
		} else if !errors.Is(err, ErrInvalidWarrant) {
			t.Errorf("%s verifier error = %v, want ErrInvalidWarrant", name, err)
		}
	}
}

func TestWarrantExpiryIsHalfOpen(t *testing.T) {
	issued := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	prime, shadow := testKeys(t)

	a, err := NewAuthority(prime, shadow,
		WithClock(func() time.Time { return issued }),
		WithTTL(time.Minute),
	)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	w, err := a.Issue("sess-4", "read_file", policy.RouteProduction)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	verifyAt := func(now time.Time) error {
		v := NewVerifier(&prime.PublicKey, WithVerifierClock(func() time.Time { return now }))
		_, err := v.Verify(w.Token)
		return err
	}

	if err := verifyAt(issued.Add(59 * time.Second)); err != nil {
		t.Errorf("warrant inside its window rejected: %v", err)
	}
	if err := verifyAt(issued.Add(time.Minute)); err == nil {
		t.Error("warrant presented exactly at exp was accepted")
	}
	if err := verifyAt(issued.Add(2 * time.Minute)); err == nil {
		t.Error("expired warrant was accepted")
	}
}

func TestVerifierRejectsForeignAlgorithm(t *testing.T) {
	_, primeV, _ := testAuthority(t)

	now := time.Now().UTC()
	claims := Claims{
		Tool: "read_file",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "sess-5",
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "jti-1",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = primeV.KeyID()
	signed, err := tok.SignedString([]byte("not-a-warrant-key"))
	if err != nil {
		t.Fatalf("sign HS256 token: %v", err)
	}

	if _, err := primeV.Verify(signed); err == nil {
		t.Fatal("verifier accepted an HMAC-signed token")
	}
}

func TestVerifierRequiresKnownKeyID(t *testing.T) {
	prime, _ := testKeys(t)
	v := NewVerifier(&prime.PublicKey)

	now := time.Now().UTC()
	claims := Claims{
		Tool: "read_file",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "sess-6",
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "jti-2",
		},
	}
	// Signed with the right key but without a kid header.
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(prime)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(signed); err == nil {
		t.Fatal("verifier accepted a warrant without a key id")
	}
}

func TestVerifierRejectsMissingToolClaim(t *testing.T) {
	prime, _ := testKeys(t)
	v := NewVerifier(&prime.PublicKey)

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "sess-7",
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "jti-3",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = KeyID(&prime.PublicKey)
	signed, err := tok.SignedString(prime)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(signed); err == nil {
		t.Fatal("verifier accepted a warrant without a tool binding")
	}
}

func TestKeyIDIsOpaque(t *testing.T) {
	a, _, _ := testAuthority(t)

	primeKid := a.KeyIDFor(policy.RouteProduction)
	shadowKid := a.KeyIDFor(policy.RouteShadow)

	if primeKid == "" || shadowKid == "" {
		t.Fatal("key ids are empty")
	}
	if primeKid == shadowKid {
		t.Error("key ids for the two routes collide")
	}
	for _, kid := range []string{primeKid, shadowKid} {
		lowered := strings.ToLower(kid)
		for _, label := range []string{"prime", "prod", "shadow", "honeypot"} {
			if strings.Contains(lowered, label) {
				t.Errorf("key id %q leaks the label %q", kid, label)
			}
		}
		if len(kid) != 16 {
			t.Errorf("key id %q length = %d, want 16", kid, len(kid))
		}
	}
}

func TestIssueUnknownRoute(t *testing.T) {
	a, _, _ := testAuthority(t)

	if _, err := a.Issue("sess-8", "read_file", policy.Route("purple")); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("Issue(purple) error = %v, want ErrNoSigningKey", err)
	}
}

func TestNewAuthorityRejectsSharedKey(t *testing.T) {
	prime, _ := testKeys(t)

	if _, err := NewAuthority(prime, prime); err == nil {
		t.Fatal("NewAuthority accepted the same key for both planes")
	}
}
