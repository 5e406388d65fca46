package sharedkey

import (
	"testing"

	"github.com/peerns/peerns/internal/identity"
)

func derivePair(t *testing.T) (*Key, *Key) {
	t.Helper()

	alice, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate alice failed: %v", err)
	}
	bob, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate bob failed: %v", err)
	}

	aliceKey, err := Derive(alice.Priv, &bob.Priv.PublicKey)
	if err != nil {
		t.Fatalf("Derive (alice side) failed: %v", err)
	}
	bobKey, err := Derive(bob.Priv, &alice.Priv.PublicKey)
	if err != nil {
		t.Fatalf("Derive (bob side) failed: %v", err)
	}
	return aliceKey, bobKey
}

func TestDeriveIsSymmetric(t *testing.T) {
	aliceKey, bobKey := derivePair(t)
	if aliceKey.Raw() != bobKey.Raw() {
		t.Fatalf("ECDH+HKDF did not converge to the same key on both sides")
	}
	if aliceKey.Fingerprint() != bobKey.Fingerprint() {
		t.Fatalf("fingerprints diverge despite identical raw keys")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	aliceKey, bobKey := derivePair(t)

	plaintext := []byte("the router is at level 2")
	aad := []byte("header-v1")

	blob, err := aliceKey.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := bobKey.Open(blob, aad)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	aliceKey, bobKey := derivePair(t)

	blob, err := aliceKey.Seal([]byte("do not modify"), nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := bobKey.Open(blob, nil); err == nil {
		t.Fatalf("expected Open to reject tampered ciphertext")
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	aliceKey, bobKey := derivePair(t)

	blob, err := aliceKey.Seal([]byte("payload"), []byte("expected-aad"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := bobKey.Open(blob, []byte("wrong-aad")); err == nil {
		t.Fatalf("expected Open to reject mismatched additional data")
	}
}

func TestRendezvousSlugAgreesAcrossSidesAndWindows(t *testing.T) {
	aliceKey, bobKey := derivePair(t)

	if aliceKey.RendezvousSlug(100) != bobKey.RendezvousSlug(100) {
		t.Fatalf("rendezvous slug diverges between the two sides of a pair")
	}
	if aliceKey.RendezvousSlug(100) == aliceKey.RendezvousSlug(101) {
		t.Fatalf("rendezvous slug did not change across windows")
	}
}

func TestFromRawMatchesDerive(t *testing.T) {
	aliceKey, _ := derivePair(t)

	reloaded, err := FromRaw(aliceKey.Raw())
	if err != nil {
		t.Fatalf("FromRaw failed: %v", err)
	}
	if reloaded.Fingerprint() != aliceKey.Fingerprint() {
		t.Fatalf("FromRaw produced a different key than Derive")
	}
}
