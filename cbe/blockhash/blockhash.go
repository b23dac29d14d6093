// Package blockhash defines the hash primitive CBE treats as an
// external collaborator (spec.md §1: "deterministic 32-byte digest over
// a 4 KiB block"), plus a reference implementation.
//
// The teacher's own crypto package builds its hashing on
// golang.org/x/crypto/sha3 (Keccak); we ground the reference
// implementation here the same way rather than reaching for the stdlib
// sha256, since golang.org/x/crypto is already a direct teacher
// dependency and keeps the block-hash and ChaCha20 cipher primitives in
// the same family.
package blockhash

import (
	"golang.org/x/crypto/sha3"
)

// Size is the digest length CBE's on-disk structures reserve for a
// hash field (spec.md §3: H = 32).
const Size = 32

// Hasher computes the deterministic digest of a block. Implementations
// must be safe for concurrent use only to the extent of independent
// Sum calls; CBE never calls Sum concurrently for the same Hasher value
// from more than one module (single in-flight client request, spec.md
// §5), but Translation, Write-Back and the Free Tree each hash
// independently within one Library.Execute pass.
type Hasher interface {
	// Sum returns the digest of the given bytes. Translation, Write-Back
	// and the Free Tree always call this with a full 4096-byte block;
	// the superblock codec (cbe/store) calls it with everything up to
	// (but excluding) the trailing self-hash field, since that field
	// cannot hash itself. Implementations must not assume a fixed input
	// length, mirroring the opaque "hash(bytes)" contract in spec.md.
	Sum(block []byte) [Size]byte
}

// Keccak is the reference Hasher, built on Keccak-256 exactly as the
// teacher's own crypto.HashData/KeccakState does (see
// triedb/pathdb/disklayer.go's hasher type).
type Keccak struct{}

// New returns the reference block hasher.
func New() Hasher { return Keccak{} }

func (Keccak) Sum(block []byte) [Size]byte {
	var out [Size]byte
	h := sha3.NewLegacyKeccak256()
	h.Write(block)
	h.Sum(out[:0])
	return out
}
