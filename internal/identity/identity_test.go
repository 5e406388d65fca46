package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	spki, err := id.SPKI()
	if err != nil {
		t.Fatalf("SPKI failed: %v", err)
	}

	msg := []byte("hello namespace")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(spki, msg, sig) {
		t.Fatalf("Verify rejected a valid signature")
	}
	if Verify(spki, []byte("tampered"), sig) {
		t.Fatalf("Verify accepted a signature over the wrong message")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate a failed: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate b failed: %v", err)
	}
	bSPKI, err := b.SPKI()
	if err != nil {
		t.Fatalf("SPKI failed: %v", err)
	}

	msg := []byte("who signed this")
	sig, err := a.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if Verify(bSPKI, msg, sig) {
		t.Fatalf("Verify accepted a's signature against b's key")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	spki, err := id.SPKI()
	if err != nil {
		t.Fatalf("SPKI failed: %v", err)
	}

	fp1 := Fingerprint(spki)
	fp2 := Fingerprint(spki)
	if fp1 != fp2 {
		t.Fatalf("Fingerprint not deterministic: %q != %q", fp1, fp2)
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate other failed: %v", err)
	}
	otherSPKI, err := other.SPKI()
	if err != nil {
		t.Fatalf("SPKI failed: %v", err)
	}
	if Fingerprint(otherSPKI) == fp1 {
		t.Fatalf("distinct keys produced the same fingerprint")
	}
}

func TestShortInviteCodeRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	spki, err := id.SPKI()
	if err != nil {
		t.Fatalf("SPKI failed: %v", err)
	}

	const persistentID = "pid-abc123"
	code := ShortInviteCode(spki, persistentID)

	fp, gotPID, err := ParseInviteCode(code)
	if err != nil {
		t.Fatalf("ParseInviteCode failed: %v", err)
	}
	if gotPID != persistentID {
		t.Fatalf("persistentID mismatch: got %q want %q", gotPID, persistentID)
	}
	wantFP := Fingerprint8(spki)
	if string(fp) != string(wantFP) {
		t.Fatalf("fingerprint mismatch")
	}
}

func TestParseInviteCodeRejectsShortPayload(t *testing.T) {
	if _, _, err := ParseInviteCode("1"); err == nil {
		t.Fatalf("expected error for too-short invite code")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := id.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	wantSPKI, _ := id.SPKI()
	gotSPKI, _ := loaded.SPKI()
	if string(wantSPKI) != string(gotSPKI) {
		t.Fatalf("loaded identity has a different public key")
	}
}

func TestLoadOrGenerateIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate (first) failed: %v", err)
	}
	second, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate (second) failed: %v", err)
	}

	firstSPKI, _ := first.SPKI()
	secondSPKI, _ := second.SPKI()
	if string(firstSPKI) != string(secondSPKI) {
		t.Fatalf("LoadOrGenerate regenerated a new identity instead of reusing the saved one")
	}

	if _, err := os.Stat(filepath.Join(dir, "identity.key.hex")); err != nil {
		t.Fatalf("expected identity key file to exist: %v", err)
	}
	if first.PersistentID != second.PersistentID {
		t.Fatalf("persistent ID changed across LoadOrGenerate calls: %q != %q", first.PersistentID, second.PersistentID)
	}
}

func TestRegeneratePersistentIDPersists(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	old := id.PersistentID

	next, err := id.RegeneratePersistentID(dir)
	if err != nil {
		t.Fatalf("RegeneratePersistentID failed: %v", err)
	}
	if next == old {
		t.Fatalf("RegeneratePersistentID returned the same ID")
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.PersistentID != next {
		t.Fatalf("reloaded persistent ID %q, want %q", reloaded.PersistentID, next)
	}
}
