package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash anchors an empty ledger. The first entry's prev_hash must
// equal it. Deployments may declare their own anchor in configuration.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken reports that a ledger file failed hash verification.
var ErrChainBroken = errors.New("ledger chain broken")

// canonicalize renders the entry as RFC 8785 canonical JSON with the hash
// field removed. Equal entries always canonicalize to equal bytes, so the
// digest is reproducible by any verifier.
func canonicalize(e Entry) ([]byte, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize ledger entry: %w", err)
	}
	return canonical, nil
}

// ComputeHash digests the entry and its predecessor's hash. The entry's
// PrevHash must already be set; its Hash field is ignored.
func ComputeHash(e Entry) (string, error) {
	canonical, err := canonicalize(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal links the entry onto the chain after prevHash and fills its Hash.
func Seal(e *Entry, prevHash string) error {
	e.PrevHash = prevHash
	hash, err := ComputeHash(*e)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// VerifyChain replays the hash chain over entries in file order. genesis is
// the expected prev_hash of the first entry; empty means GenesisHash. Any
// edited, reordered, or removed line surfaces as ErrChainBroken.
func VerifyChain(entries []Entry, genesis string) error {
	if genesis == "" {
		genesis = GenesisHash
	}
	prev := genesis
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d (%s): prev_hash %q does not match %q",
				ErrChainBroken, i, e.EventID, e.PrevHash, prev)
		}
		want, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, e.EventID, err)
		}
		if e.Hash != want {
			return fmt.Errorf("%w: entry %d (%s): recorded hash does not match content",
				ErrChainBroken, i, e.EventID)
		}
		prev = e.Hash
	}
	return nil
}
