// Package cipher defines the symmetric cipher CBE treats as an external
// collaborator (spec.md §1: opaque "encrypt(key,block)"/"decrypt(key,block)"),
// plus a reference implementation built on ChaCha20
// (golang.org/x/crypto/chacha20, a direct teacher dependency: the same
// module the teacher pulls chacha20poly1305 and sha3 from).
package cipher

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// KeyID names a key the cipher should use. CBE plumbs a KeyID through
// type-2 free-tree entries (spec.md §3, §9 Open Questions) but, per the
// Non-goal on key rotation, every block in this implementation is
// encrypted under the single DefaultKeyID.
type KeyID uint32

// DefaultKeyID is the only key id this implementation ever derives a
// key for (spec.md Non-goal: key rotation / hierarchical key management).
const DefaultKeyID KeyID = 42

// BlockSize is the plaintext/ciphertext block size CBE operates on.
const BlockSize = 4096

// Cipher encrypts and decrypts single 4 KiB blocks under a key
// identified by KeyID, addressed by the PBA the ciphertext will be
// written to. Output length always equals input length: the on-disk
// block format (cbe/store) has no room for an AEAD tag, and CBE's hash
// tree already authenticates every block's on-disk image (invariant 1),
// so the cipher's only remaining job is confidentiality. CBE never
// retains plain/cipher buffers past a single Encrypt/Decrypt call
// (design note: buffers are loaned, never stored across calls).
type Cipher interface {
	Encrypt(key KeyID, pba uint64, plain []byte) (cipherText []byte, err error)
	Decrypt(key KeyID, pba uint64, cipherText []byte) (plain []byte, err error)
}

// ChaCha20 is the reference Cipher: a stream cipher keyed per KeyID,
// with a per-block nonce derived deterministically from the target PBA
// (the same sector-derived-IV idiom block-device encryption uses), so
// no nonce ever needs to be stored alongside the ciphertext. Every write
// relocates its leaf to a PBA not in use by the live tree (copy-on-write,
// spec.md §4.4), but the free tree recycles vacated PBAs once their
// generation is secured, so a recycled PBA is encrypted again under the
// same (key, pba) pair.
type ChaCha20 struct {
	keys map[KeyID][]byte
}

// NewChaCha20 derives one key for DefaultKeyID from the given master
// secret (a stand-in for the bootstrap tool's key derivation, out of
// scope per spec.md §1).
func NewChaCha20(masterSecret [32]byte) *ChaCha20 {
	return &ChaCha20{keys: map[KeyID][]byte{DefaultKeyID: masterSecret[:]}}
}

func (c *ChaCha20) stream(key KeyID, pba uint64) (*chacha20.Cipher, error) {
	k, ok := c.keys[key]
	if !ok {
		return nil, fmt.Errorf("cipher: unknown key id %d", key)
	}
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], pba)
	return chacha20.NewUnauthenticatedCipher(k, nonce[:])
}

func (c *ChaCha20) Encrypt(key KeyID, pba uint64, plain []byte) ([]byte, error) {
	s, err := c.stream(key, pba)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plain))
	s.XORKeyStream(out, plain)
	return out, nil
}

func (c *ChaCha20) Decrypt(key KeyID, pba uint64, cipherText []byte) ([]byte, error) {
	s, err := c.stream(key, pba)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cipherText))
	s.XORKeyStream(out, cipherText)
	return out, nil
}
