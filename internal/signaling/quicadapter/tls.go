package quicadapter

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"
)

// zeroReader feeds x509.CreateCertificate a deterministic "random" source so
// the dev certificate is reproducible across restarts and instances,
// exactly as the teacher's devTLSCert does for its own QUIC transport.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// CertProvider supplies the TLS certificate and trust anchor the adapter's
// QUIC listener and dialer use. The default devCertProvider below is a
// deterministic self-signed cert suitable for a closed deployment; a
// production deployment can supply a real CertProvider (e.g. backed by an
// ACME-issued cert) without changing Adapter's logic.
type CertProvider interface {
	ServerCertificate() (tls.Certificate, error)
	TrustedCert() (*x509.Certificate, error)
}

type devCertProvider struct {
	seed string
}

// NewDevCertProvider returns a CertProvider that derives a fixed ed25519
// self-signed certificate from seed, generalizing the teacher's hardcoded
// "web4-quic-dev-key" seed into a configurable one so independent
// deployments of this module don't all trust each other's dev cert.
func NewDevCertProvider(seed string) CertProvider {
	return &devCertProvider{seed: seed}
}

func (d *devCertProvider) certAndDER() (tls.Certificate, []byte, error) {
	sum := sha256.Sum256([]byte(d.seed))
	priv := ed25519.NewKeyFromSeed(sum[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func (d *devCertProvider) ServerCertificate() (tls.Certificate, error) {
	cert, _, err := d.certAndDER()
	return cert, err
}

func (d *devCertProvider) TrustedCert() (*x509.Certificate, error) {
	_, der, err := d.certAndDER()
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

const alpn = "peerns-quic-v1"

func serverTLSConfig(p CertProvider) (*tls.Config, error) {
	cert, err := p.ServerCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}}, nil
}

func clientTLSConfig(p CertProvider) (*tls.Config, error) {
	cert, err := p.TrustedCert()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{alpn}}, nil
}
