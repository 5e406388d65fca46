package quicadapter_test

import (
	"testing"

	"github.com/peerns/peerns/internal/signaling/quicadapter"
)

func TestDevCertProviderServerAndTrustedCertMatch(t *testing.T) {
	p := quicadapter.NewDevCertProvider("test-seed")

	serverCert, err := p.ServerCertificate()
	if err != nil {
		t.Fatalf("ServerCertificate failed: %v", err)
	}
	trusted, err := p.TrustedCert()
	if err != nil {
		t.Fatalf("TrustedCert failed: %v", err)
	}

	if len(serverCert.Certificate) == 0 {
		t.Fatalf("server certificate has no DER bytes")
	}
	if string(serverCert.Certificate[0]) != string(trusted.Raw) {
		t.Fatalf("server certificate and trusted cert are not the same certificate")
	}
}

func TestDevCertProviderIsDeterministic(t *testing.T) {
	a := quicadapter.NewDevCertProvider("fixed-seed")
	b := quicadapter.NewDevCertProvider("fixed-seed")

	certA, err := a.ServerCertificate()
	if err != nil {
		t.Fatalf("ServerCertificate (a) failed: %v", err)
	}
	certB, err := b.ServerCertificate()
	if err != nil {
		t.Fatalf("ServerCertificate (b) failed: %v", err)
	}
	if string(certA.Certificate[0]) != string(certB.Certificate[0]) {
		t.Fatalf("same seed produced different certificates")
	}
}

func TestDevCertProviderDiffersBySeed(t *testing.T) {
	a := quicadapter.NewDevCertProvider("seed-a")
	b := quicadapter.NewDevCertProvider("seed-b")

	certA, _ := a.ServerCertificate()
	certB, _ := b.ServerCertificate()
	if string(certA.Certificate[0]) == string(certB.Certificate[0]) {
		t.Fatalf("different seeds produced the same certificate")
	}
}
