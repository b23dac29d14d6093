package cbe

import "github.com/componolit/cbe/cbe/cipher"

// CryptoDispatcher bridges plain/cipher buffers between the engine and
// an external Cipher (spec.md §4.6). It keeps two single-slot queues,
// mirroring the Cache/Translation module shape rather than exposing the
// cipher directly to callers.
type CryptoDispatcher struct {
	c cipher.Cipher

	encPending bool
	encPBA     PBA
	encPlain   Block
	encDone    bool
	encCipher  []byte

	decPending bool
	decPBA     PBA
	decCipher  []byte
	decDone    bool
	decPlain   Block
}

func NewCryptoDispatcher(c cipher.Cipher) *CryptoDispatcher {
	return &CryptoDispatcher{c: c}
}

func (d *CryptoDispatcher) EncryptAcceptable() bool { return !d.encPending }

// SubmitEncryption queues plain for encryption under cipher.DefaultKeyID,
// tagged by pba (the future on-disk location, which also feeds the
// cipher's per-block nonce).
func (d *CryptoDispatcher) SubmitEncryption(pba PBA, plain Block) {
	if d.encPending {
		panic("cbe: crypto dispatcher encrypt slot busy")
	}
	d.encPending = true
	d.encPBA = pba
	d.encPlain = plain
	d.encDone = false
}

// Execute drives the single pending encrypt/decrypt step synchronously
// against the external Cipher (spec.md §4.6: "execute calls the
// external cipher synchronously per step").
func (d *CryptoDispatcher) Execute() (progress bool, err error) {
	if d.encPending && !d.encDone {
		ct, err := d.c.Encrypt(cipher.DefaultKeyID, uint64(d.encPBA), d.encPlain[:])
		if err != nil {
			return true, err
		}
		d.encCipher = ct
		d.encDone = true
		progress = true
	}
	if d.decPending && !d.decDone {
		pt, err := d.c.Decrypt(cipher.DefaultKeyID, uint64(d.decPBA), d.decCipher)
		if err != nil {
			return true, err
		}
		copy(d.decPlain[:], pt)
		d.decDone = true
		progress = true
	}
	return progress, nil
}

func (d *CryptoDispatcher) EncryptionComplete(pba PBA) bool {
	return d.encPending && d.encDone && d.encPBA == pba
}

// ObtainCipherData returns the ciphertext produced for pba and frees the
// encrypt slot.
func (d *CryptoDispatcher) ObtainCipherData(pba PBA) []byte {
	if !d.EncryptionComplete(pba) {
		panic("cbe: crypto dispatcher encrypt not complete")
	}
	out := d.encCipher
	d.encPending = false
	d.encDone = false
	d.encCipher = nil
	return out
}

func (d *CryptoDispatcher) DecryptAcceptable() bool { return !d.decPending }

// SubmitDecryption queues ciphertext read from pba for decryption.
func (d *CryptoDispatcher) SubmitDecryption(pba PBA, cipherText []byte) {
	if d.decPending {
		panic("cbe: crypto dispatcher decrypt slot busy")
	}
	d.decPending = true
	d.decPBA = pba
	d.decCipher = cipherText
	d.decDone = false
}

func (d *CryptoDispatcher) DecryptionComplete(pba PBA) bool {
	return d.decPending && d.decDone && d.decPBA == pba
}

// ObtainPlainData returns the plaintext recovered for pba and frees the
// decrypt slot.
func (d *CryptoDispatcher) ObtainPlainData(pba PBA) Block {
	if !d.DecryptionComplete(pba) {
		panic("cbe: crypto dispatcher decrypt not complete")
	}
	out := d.decPlain
	d.decPending = false
	d.decDone = false
	return out
}
