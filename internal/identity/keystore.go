package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Load and Save persist the identity's private key alongside its home
// directory, mirroring the teacher's hex-file keypair store
// (internal/crypto.SaveKeypair/LoadKeypair) but carrying PKCS8 DER for an
// ECDSA key instead of an RSA blob.

const (
	privFile = "identity.key.hex"
	pidFile  = "identity.persistent-id"
)

// Load reads a previously saved identity from dir, or returns os.ErrNotExist
// wrapped so callers can fall back to Generate.
func Load(dir string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, err
	}
	der, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("identity: decode stored key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse stored key: %w", err)
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: stored key is not ECDSA")
	}

	pidRaw, err := os.ReadFile(filepath.Join(dir, pidFile))
	var pid string
	switch {
	case err == nil:
		pid = string(pidRaw)
	case os.IsNotExist(err):
		if pid, err = NewPersistentID(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	id, err := FromPrivateKey(priv, pid)
	if err != nil {
		return nil, err
	}
	if err := id.savePersistentID(dir); err != nil {
		return nil, err
	}
	return id, nil
}

// Save writes id's private key and persistent ID under dir, creating it if
// necessary.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(id.Priv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	if err := os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(der)), 0600); err != nil {
		return err
	}
	return id.savePersistentID(dir)
}

// RegeneratePersistentID replaces id's persistent ID and persists the
// change, used when a Claim for the current one is rejected as
// already-taken (spec §3: "regenerated only if the claim fails").
func (id *Identity) RegeneratePersistentID(dir string) (string, error) {
	pid, err := NewPersistentID()
	if err != nil {
		return "", err
	}
	id.PersistentID = pid
	if err := id.savePersistentID(dir); err != nil {
		return "", err
	}
	return pid, nil
}

func (id *Identity) savePersistentID(dir string) error {
	return os.WriteFile(filepath.Join(dir, pidFile), []byte(id.PersistentID), 0600)
}

// LoadOrGenerate loads an identity from dir, generating and persisting a new
// one on first run — spec.md §3's "identity is created once on first run and
// persisted".
func LoadOrGenerate(dir string) (*Identity, error) {
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}
