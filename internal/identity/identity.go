// Package identity implements the long-lived cryptographic identity described
// in spec.md §4.2: an ECDSA P-521 signing keypair, SPKI encoding, signing and
// verification, and human-facing fingerprints derived from it.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// ErrCryptoUnavailable is the spec §7 "crypto-unavailable" kind: the runtime
// lacks the primitives this package needs (elliptic curve generation, SPKI
// marshalling). Callers degrade to plaintext messaging and surface this to
// the UI rather than treating it as fatal.
var ErrCryptoUnavailable = errors.New("identity: crypto unavailable")

// Curve is the signing curve used across the system (spec §4.2).
var Curve = elliptic.P521()

// Identity is a long-lived ECDSA P-521 keypair. The public key's SPKI
// encoding is the cryptographic identity; everything else (persistent ID,
// discovery ID) is routing metadata layered on top of it.
type Identity struct {
	Priv *ecdsa.PrivateKey

	// PersistentID is the long-lived signaling endpoint this device claims
	// for direct, namespace-independent connections (spec §3's "Persistent
	// ID"): stable across runs, but regenerated — not re-derived from the
	// key — if a claim for it is ever rejected as already-taken.
	PersistentID string

	spki []byte // cached SPKI DER of Priv.PublicKey
}

// PersistentIDPrefix matches the namespace package's application prefix
// (spec §6); it is duplicated here rather than imported to avoid a
// dependency cycle between identity and namespace.
const PersistentIDPrefix = "peerns"

// NewPersistentID generates a fresh `{prefix}-{32 hex}` persistent ID.
func NewPersistentID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return fmt.Sprintf("%s-%s", PersistentIDPrefix, hex.EncodeToString(raw)), nil
}

// Generate creates a fresh identity keypair and persistent ID.
func Generate() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	pid, err := NewPersistentID()
	if err != nil {
		return nil, err
	}
	id := &Identity{Priv: priv, PersistentID: pid}
	if _, err := id.SPKI(); err != nil {
		return nil, err
	}
	return id, nil
}

// FromPrivateKey wraps an already-loaded ECDSA private key under the given
// persistent ID.
func FromPrivateKey(priv *ecdsa.PrivateKey, persistentID string) (*Identity, error) {
	if priv == nil || priv.Curve != Curve {
		return nil, errors.New("identity: private key must be on P-521")
	}
	id := &Identity{Priv: priv, PersistentID: persistentID}
	if _, err := id.SPKI(); err != nil {
		return nil, err
	}
	return id, nil
}

// SPKI returns the SPKI DER encoding of the public key — the cryptographic
// identity referenced throughout spec.md §3.
func (id *Identity) SPKI() ([]byte, error) {
	if id.spki != nil {
		return id.spki, nil
	}
	der, err := x509.MarshalPKIXPublicKey(&id.Priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	id.spki = der
	return der, nil
}

// PublicKeySPKI re-parses a public key's SPKI DER encoding.
func PublicKeySPKI(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("identity: not an ECDSA public key")
	}
	return pub, nil
}

// Sign produces a base64 ECDSA-over-SHA-256 signature of msg (spec §4.2).
func (id *Identity) Sign(msg []byte) (string, error) {
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, id.Priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 ECDSA signature of msg against an SPKI-encoded
// public key. A false return with no error just means "does not verify";
// malformed input also returns false.
func Verify(pubSPKI []byte, msg []byte, sigB64 string) bool {
	pub, err := PublicKeySPKI(pubSPKI)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// Fingerprint8 is "first 8 bytes of SHA-256 of X", used throughout spec.md
// §4.2 for identity fingerprints and shared-key fingerprints alike.
func Fingerprint8(data []byte) []byte {
	sum := sha256.Sum256(data)
	out := make([]byte, 8)
	copy(out, sum[:8])
	return out
}

// Fingerprint returns the human-verification fingerprint of an SPKI-encoded
// public key: first 8 bytes of SHA-256 of its base64 encoding, hex-encoded.
func Fingerprint(pubSPKI []byte) string {
	b64 := base64.StdEncoding.EncodeToString(pubSPKI)
	return fmt.Sprintf("%x", Fingerprint8([]byte(b64)))
}

// ShortInviteCode renders the base58 encoding of the first 8 bytes of
// SHA-256 over the raw SPKI bytes (Fingerprint8, not the base64-based
// Fingerprint) followed directly by the persistent ID bytes, with no
// separator, meant for out-of-band sharing when adding a contact — the human-facing
// counterpart to the fingerprint check, recovered from the original design's
// contact-exchange flow (see DESIGN.md).
func ShortInviteCode(pubSPKI []byte, persistentID string) string {
	fp := Fingerprint8(pubSPKI)
	payload := append(append([]byte{}, fp...), []byte(persistentID)...)
	return base58.Encode(payload)
}

// ParseInviteCode recovers the fingerprint and persistent ID packed by
// ShortInviteCode. The daemon's add-contact command uses only the
// persistent ID and discards the fingerprint.
func ParseInviteCode(code string) (fingerprint []byte, persistentID string, err error) {
	raw, err := base58.Decode(code)
	if err != nil {
		return nil, "", fmt.Errorf("identity: decode invite code: %w", err)
	}
	if len(raw) < 8 {
		return nil, "", errors.New("identity: invite code too short")
	}
	return raw[:8], string(raw[8:]), nil
}
