// Package peernserr classifies the error kinds named in spec.md §7 as
// sentinel-wrapped errors, so callers can errors.Is/errors.As them instead of
// string-sniffing an error message the way the teacher's
// daemon.classifyHelloReject does.
package peernserr

import "errors"

// Kind identifies one of the failure classes spec.md §7 requires the system
// to distinguish and surface to the UI.
type Kind string

const (
	KindClaimConflict        Kind = "claim-conflict"
	KindTransportUnreachable Kind = "transport-unreachable"
	KindSignatureInvalid     Kind = "signature-invalid"
	KindCryptoUnavailable    Kind = "crypto-unavailable"
	KindIPUndetectable       Kind = "ip-undetectable"
	KindDecryptFailed        Kind = "decrypt-failed"
	KindHandshakeTimeout     Kind = "handshake-timeout"
	KindHandshakeRejected    Kind = "handshake-rejected"
)

var (
	ErrClaimConflict        = errors.New(string(KindClaimConflict))
	ErrTransportUnreachable = errors.New(string(KindTransportUnreachable))
	ErrSignatureInvalid     = errors.New(string(KindSignatureInvalid))
	ErrCryptoUnavailable    = errors.New(string(KindCryptoUnavailable))
	ErrIPUndetectable       = errors.New(string(KindIPUndetectable))
	ErrDecryptFailed        = errors.New(string(KindDecryptFailed))
	ErrHandshakeTimeout     = errors.New(string(KindHandshakeTimeout))
	ErrHandshakeRejected    = errors.New(string(KindHandshakeRejected))
)

var sentinelByKind = map[Kind]error{
	KindClaimConflict:        ErrClaimConflict,
	KindTransportUnreachable: ErrTransportUnreachable,
	KindSignatureInvalid:     ErrSignatureInvalid,
	KindCryptoUnavailable:    ErrCryptoUnavailable,
	KindIPUndetectable:       ErrIPUndetectable,
	KindDecryptFailed:        ErrDecryptFailed,
	KindHandshakeTimeout:     ErrHandshakeTimeout,
	KindHandshakeRejected:    ErrHandshakeRejected,
}

// Classify returns the Kind of err if it wraps one of this package's
// sentinels, and ok=false otherwise.
func Classify(err error) (kind Kind, ok bool) {
	for k, sentinel := range sentinelByKind {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return "", false
}
