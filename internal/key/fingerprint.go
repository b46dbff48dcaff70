package key

import (
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"
)

// Fingerprint is the 32-byte BLAKE3 digest, rendered as lowercase hex, that
// names a recipe's cache entry directory.
type Fingerprint string

// DependencyFingerprint pairs a dependency query with its resolved
// fingerprint, for the sorted list Compute hashes.
type DependencyFingerprint struct {
	Query       string
	Fingerprint Fingerprint
}

// IdentityHash is the BLAKE3 digest of a key's canonical string, computed
// once when the recipe object is created and carried on it.
func IdentityHash(k Key) [32]byte {
	return blake3.Sum256([]byte(k.canonical))
}

// Compute derives a recipe's fingerprint: it concatenates,
// in order, the canonical-identity hash, the sorted list of
// (dependency-query, dependency-fingerprint) pairs, the hash of the loaded
// script bytes, and the hash of the resolved source descriptor. It must only
// be called once every dependency has reached its needed_by phase.
func Compute(identityHash [32]byte, deps []DependencyFingerprint, scriptBytes []byte, sourceDigest []byte) Fingerprint {
	sorted := make([]DependencyFingerprint, len(deps))
	copy(sorted, deps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Query < sorted[j].Query })

	h := blake3.New(32, nil)
	h.Write(identityHash[:])
	for _, d := range sorted {
		h.Write([]byte(d.Query))
		h.Write([]byte(d.Fingerprint))
	}
	scriptSum := blake3.Sum256(scriptBytes)
	h.Write(scriptSum[:])
	sourceSum := blake3.Sum256(sourceDigest)
	h.Write(sourceSum[:])

	sum := h.Sum(nil)
	return Fingerprint(hex.EncodeToString(sum))
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }
