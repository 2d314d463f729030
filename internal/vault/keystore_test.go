package vault_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/havenhealth/auditvault/internal/vault"
	"go.uber.org/zap"
)

func newKeystore(t *testing.T, dir string) *vault.Keystore {
	t.Helper()
	ks, err := vault.OpenKeystore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenKeystore(): %v", err)
	}
	return ks
}

func TestOpenKeystore_initialisesVersionOne(t *testing.T) {
	ks := newKeystore(t, t.TempDir())
	if ks.CurrentVersion() != 1 {
		t.Errorf("CurrentVersion(): got %d, want 1", ks.CurrentVersion())
	}
	if len(ks.SigningKey()) == 0 {
		t.Error("signing key not created")
	}
}

func TestOpenKeystore_persistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ks := newKeystore(t, dir)
	signing := append([]byte(nil), ks.SigningKey()...)
	if _, err := ks.Rotate(); err != nil {
		t.Fatal(err)
	}

	reopened := newKeystore(t, dir)
	if reopened.CurrentVersion() != 2 {
		t.Errorf("version after reopen: got %d, want 2", reopened.CurrentVersion())
	}
	if !bytes.Equal(reopened.SigningKey(), signing) {
		t.Error("signing key changed across reopen")
	}
}

func TestRotate_signingKeyStable(t *testing.T) {
	ks := newKeystore(t, t.TempDir())
	before := append([]byte(nil), ks.SigningKey()...)

	if _, err := ks.Rotate(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ks.SigningKey(), before) {
		t.Error("rotation changed the signing key; old hashes would become unverifiable")
	}
}

func TestRotate_keysDifferPerVersion(t *testing.T) {
	ks := newKeystore(t, t.TempDir())
	v1, err := ks.EncryptionKey(1)
	if err != nil {
		t.Fatal(err)
	}

	next, err := ks.Rotate()
	if err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Errorf("Rotate(): got version %d, want 2", next)
	}
	v2, err := ks.EncryptionKey(2)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(v1, v2) {
		t.Error("rotated key equals previous key")
	}

	mac, err := ks.MACKey(2)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(mac, v2) {
		t.Error("MAC subkey equals encryption subkey for the same version")
	}
}

func TestSealRecord_roundTripAcrossRotation(t *testing.T) {
	ks := newKeystore(t, t.TempDir())

	sealed, err := ks.SealRecord([]byte(`{"id":"evt-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("evt-1")) {
		t.Error("sealed record leaks plaintext")
	}

	if _, err := ks.Rotate(); err != nil {
		t.Fatal(err)
	}

	// Records sealed under v1 stay readable after rotation to v2.
	plain, err := ks.OpenRecord(sealed)
	if err != nil {
		t.Fatalf("OpenRecord() after rotation: %v", err)
	}
	if string(plain) != `{"id":"evt-1"}` {
		t.Errorf("round trip: got %q", plain)
	}
}

func TestOpenRecord_malformed(t *testing.T) {
	ks := newKeystore(t, t.TempDir())
	for _, bad := range []string{"", "garbage", "v1:!!!not-base64!!!", "vX:aaaa"} {
		if _, err := ks.OpenRecord([]byte(bad)); err == nil {
			t.Errorf("OpenRecord(%q) accepted malformed input", bad)
		}
	}
}

func TestDestroyVersion(t *testing.T) {
	ks := newKeystore(t, t.TempDir())

	if err := ks.DestroyVersion(1); err == nil {
		t.Fatal("destroying the current version must be refused")
	}

	sealed, err := ks.SealRecord([]byte("doomed"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ks.Rotate(); err != nil {
		t.Fatal(err)
	}
	if err := ks.DestroyVersion(1); err != nil {
		t.Fatal(err)
	}

	if _, err := ks.EncryptionKey(1); !errors.Is(err, vault.ErrKeyUnavailable) {
		t.Errorf("destroyed version key lookup: expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := ks.OpenRecord(sealed); err == nil {
		t.Error("record sealed under destroyed key was still readable")
	}
	if err := ks.DestroyVersion(1); !errors.Is(err, vault.ErrKeyUnavailable) {
		t.Errorf("double destroy: expected ErrKeyUnavailable, got %v", err)
	}
}
