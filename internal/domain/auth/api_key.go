// Package auth validates API keys for the HTTP transport. Keys are
// provisioned out of band and configured as hashes; the raw key never
// touches disk on the gateway side.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when a presented API key matches no entry.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// Entry is one configured API key: an operator-chosen id for logging and
// the stored hash of the raw key.
type Entry struct {
	ID   string
	Hash string
}

// Keyring holds the configured API keys. An empty keyring means the HTTP
// transport runs open; the stdio transport never consults it.
type Keyring struct {
	entries []Entry
}

// NewKeyring builds a keyring from configured entries.
func NewKeyring(entries []Entry) *Keyring {
	return &Keyring{entries: entries}
}

// Empty reports whether any keys are configured.
func (k *Keyring) Empty() bool {
	return len(k.entries) == 0
}

// Verify checks a presented raw key against every entry and returns the
// matching entry's id. Every entry is tried even after a match so the work
// done does not depend on which entry matched.
func (k *Keyring) Verify(rawKey string) (string, error) {
	matched := ""
	for _, e := range k.entries {
		ok, err := VerifyKey(rawKey, e.Hash)
		if err != nil {
			continue
		}
		if ok && matched == "" {
			matched = e.ID
		}
	}
	if matched == "" {
		return "", ErrInvalidKey
	}
	return matched, nil
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 46 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns an Argon2id hash of the raw key in PHC format.
// Format: $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// hashSHA256 returns the SHA-256 hex hash of the raw key. Kept for
// configurations seeded with plain sha256 hashes.
func hashSHA256(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// DetectHashType identifies the hash algorithm used for a stored hash.
// Returns "argon2id" for PHC format, "sha256" for prefixed or bare hex,
// "unknown" for unrecognized formats.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	// Bare SHA-256 hex is exactly 64 hex characters
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies a raw key against a stored hash.
// Supports Argon2id (PHC format), SHA-256 prefixed, and bare SHA-256 hex.
// Returns (true, nil) if match, (false, nil) if no match,
// (false, ErrUnknownHashType) for unrecognized hash formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)

	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := hashSHA256(rawKey)
		// Constant-time comparison to prevent timing attacks.
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes with
// invalid parameters (e.g., t=0 rounds); those become errors here so
// VerifyKey never panics on bad configuration.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
