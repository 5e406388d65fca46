// Package sharedkey derives and uses the per-pair AES-256-GCM key described
// in spec.md §4.2: ECDH on P-521 followed by HKDF-SHA-256, plus the
// HMAC-derived rendezvous slug built on top of that key.
package sharedkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo and rendezvousInfoPrefix pin the KDF context strings so two builds
// of this package always agree on derived keys (spec §4.2).
const (
	hkdfInfo             = "peerns-e2e-v1"
	rendezvousInfoPrefix = "peerns-rvz-v1-"
)

// ErrDecryptFailed is the spec §7 "decrypt-failed" kind: GCM tag mismatch,
// truncated ciphertext, or a key that does not match the sender.
var ErrDecryptFailed = errors.New("sharedkey: decrypt failed")

// Key is a derived per-pair AES-256-GCM key plus its cached AEAD instance.
type Key struct {
	raw  [32]byte
	aead cipher.AEAD
}

// Derive computes the shared AES-256 key between one side's ECDSA private key
// and the other side's ECDSA public key, via ECDH on P-521 and HKDF-SHA-256.
func Derive(priv *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey) (*Key, error) {
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("sharedkey: private key not ECDH-capable: %w", err)
	}
	ecdhPub, err := peerPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("sharedkey: peer public key not ECDH-capable: %w", err)
	}
	secret, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return nil, fmt.Errorf("sharedkey: ECDH failed: %w", err)
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	var raw [32]byte
	if _, err := io.ReadFull(kdf, raw[:]); err != nil {
		return nil, fmt.Errorf("sharedkey: HKDF expand failed: %w", err)
	}
	return newKey(raw)
}

// FromRaw wraps an already-derived 32-byte key without the public curve
// point on hand; in this module only tests call it.
func FromRaw(raw [32]byte) (*Key, error) {
	return newKey(raw)
}

func newKey(raw [32]byte) (*Key, error) {
	block, err := aes.NewCipher(raw[:])
	if err != nil {
		return nil, fmt.Errorf("sharedkey: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sharedkey: new GCM: %w", err)
	}
	return &Key{raw: raw, aead: aead}, nil
}

// Raw returns the 32-byte AES key, e.g. for caching by the session manager.
func (k *Key) Raw() [32]byte { return k.raw }

// Fingerprint is the human-verification fingerprint of the shared key, shown
// to both sides so they can confirm they derived the same secret (spec §4.2).
func (k *Key) Fingerprint() string {
	sum := sha256.Sum256(k.raw[:])
	return hex.EncodeToString(sum[:8])
}

// Seal encrypts plaintext with a fresh random 12-byte nonce, returning
// nonce||ciphertext||tag.
func (k *Key) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sharedkey: generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nil, nonce, plaintext, additionalData)
	return append(nonce, sealed...), nil
}

// Open decrypts a nonce||ciphertext||tag blob produced by Seal.
func (k *Key) Open(blob, additionalData []byte) ([]byte, error) {
	n := k.aead.NonceSize()
	if len(blob) < n {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := blob[:n], blob[n:]
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// RendezvousSlug derives the time-windowed rendezvous discovery string for
// this shared key, per spec §4.5: first 8 bytes of
// HMAC-SHA-256(key, "peerns-rvz-v1-"||window), hex-encoded. window is a
// UTC-epoch window index (e.g. unixSeconds/600 for 10-minute buckets); the
// caller owns bucketing so this package stays free of wall-clock reads.
func (k *Key) RendezvousSlug(window int64) string {
	var windowBytes [8]byte
	binary.BigEndian.PutUint64(windowBytes[:], uint64(window))

	mac := hmac.New(sha256.New, k.raw[:])
	mac.Write([]byte(rendezvousInfoPrefix))
	mac.Write(windowBytes[:])
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
