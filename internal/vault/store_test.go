package vault_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/vault"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newStore(t *testing.T) *vault.Store {
	t.Helper()
	root := t.TempDir()
	ks := newKeystore(t, filepath.Join(root, "keys"))
	store, err := vault.NewStore(root, ks, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore(): %v", err)
	}
	return store
}

func sampleEvents(n int) []ledger.Event {
	events := make([]ledger.Event, n)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range events {
		events[i] = ledger.Event{
			ID:          "evt-" + string(rune('a'+i)),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			UserID:      "clinician-7",
			Action:      "view",
			Resource:    "patient_record",
			Details:     map[string]string{"field": "notes"},
			Result:      ledger.ResultSuccess,
			RiskLevel:   ledger.RiskHigh,
			PHIInvolved: true,
			Hash:        "hash-" + string(rune('a'+i)),
		}
	}
	return events
}

func TestStoreEvents_roundTrip(t *testing.T) {
	for _, compress := range []bool{true, false} {
		store := newStore(t)
		store.SetCompression(compress)

		name, err := store.StoreEvents(ctx, sampleEvents(3), "")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(name, ".audit") {
			t.Errorf("generated filename %q missing .audit suffix", name)
		}

		got, err := store.RetrieveEvents(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("compress=%v: got %d events, want 3", compress, len(got))
		}
		if got[0].ID != "evt-a" || got[0].Details["field"] != "notes" {
			t.Errorf("compress=%v: round trip corrupted event: %+v", compress, got[0])
		}
	}
}

func TestStoreEvents_encryptedAtRest(t *testing.T) {
	store := newStore(t)
	store.SetCompression(false)

	name, err := store.StoreEvents(ctx, sampleEvents(1), "plain.audit")
	if err != nil {
		t.Fatal(err)
	}

	// The raw container must not leak plaintext identifiers.
	raw, err := os.ReadFile(filepath.Join(storeRoot(t, store), "data", name))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "clinician-7") {
		t.Error("stored container leaks plaintext")
	}

	meta, err := store.FileMetadata(name)
	if err != nil {
		t.Fatal(err)
	}
	if meta.KeyVersion != 1 {
		t.Errorf("KeyVersion: got %d, want 1", meta.KeyVersion)
	}
	if meta.EncryptionAlgorithm != "aes-256-gcm" {
		t.Errorf("EncryptionAlgorithm: got %q", meta.EncryptionAlgorithm)
	}
}

// storeRoot recovers the store's root from its certificates directory.
func storeRoot(t *testing.T, s *vault.Store) string {
	t.Helper()
	return filepath.Dir(filepath.Dir(s.CertificatesDir()))
}

func TestRetrieveEvents_missingFile(t *testing.T) {
	store := newStore(t)
	if _, err := store.RetrieveEvents(ctx, "nope.audit"); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTamperedContainer_failsBeforeDecrypt(t *testing.T) {
	store := newStore(t)
	name, err := store.StoreEvents(ctx, sampleEvents(2), "tamper.audit")
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite one byte of ciphertext directly in the stored container.
	path := filepath.Join(storeRoot(t, store), "data", name)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var c map[string]any
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatal(err)
	}
	data := c["data"].(string)
	c["data"] = "AAAA" + data[4:]
	edited, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, edited, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = store.RetrieveEvents(ctx, name)
	var tampered *vault.TamperError
	if !errors.As(err, &tampered) {
		t.Fatalf("expected *TamperError, got %v", err)
	}
	if tampered.File != name {
		t.Errorf("TamperError.File: got %q, want %q", tampered.File, name)
	}

	report, err := store.VerifyFileIntegrity(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Error("tampered file reported valid")
	}
	if !report.BackupChecked {
		t.Error("backup copy not compared")
	}
}

func TestRotate_oldFilesStayReadable(t *testing.T) {
	store := newStore(t)
	name, err := store.StoreEvents(ctx, sampleEvents(2), "rotate.audit")
	if err != nil {
		t.Fatal(err)
	}

	report, err := store.RotateEncryptionKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.NewVersion != 2 {
		t.Errorf("NewVersion: got %d, want 2", report.NewVersion)
	}
	if len(report.Reencrypted) != 1 {
		t.Errorf("Reencrypted: got %v, want 1 file", report.Reencrypted)
	}

	got, err := store.RetrieveEvents(ctx, name)
	if err != nil {
		t.Fatalf("RetrieveEvents() after rotation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events after rotation, want 2", len(got))
	}

	meta, err := store.FileMetadata(name)
	if err != nil {
		t.Fatal(err)
	}
	if meta.KeyVersion != 2 {
		t.Errorf("KeyVersion after rotation: got %d, want 2", meta.KeyVersion)
	}

	// Integrity must hold after the re-encryption sweep, including the
	// refreshed backup copy.
	fr, err := store.VerifyFileIntegrity(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if !fr.Valid {
		t.Errorf("file invalid after rotation: %v", fr.Errors)
	}
}

func TestBlockArchive_roundTrip(t *testing.T) {
	store := newStore(t)

	// The store acts as the chain's block archive; exercise it through the
	// same JSON container path.
	events := sampleEvents(2)
	name, err := store.StoreEvents(ctx, events, "")
	if err != nil {
		t.Fatal(err)
	}
	files, err := store.ListFiles()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range files {
		if f == name {
			found = true
		}
	}
	if !found {
		t.Errorf("ListFiles() missing %q: %v", name, files)
	}
}

func TestCleanupOldFiles_archivesBeforeDeleting(t *testing.T) {
	store := newStore(t)
	name, err := store.StoreEvents(ctx, sampleEvents(1), "old.audit")
	if err != nil {
		t.Fatal(err)
	}

	// Nothing is old enough yet.
	report, err := store.CleanupOldFiles(ctx, 2190, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 0 {
		t.Errorf("fresh file deleted: %v", report.Deleted)
	}

	// Age the file by rewriting its sidecar.
	ageFile(t, store, name)

	report, err = store.CleanupOldFiles(ctx, 2190, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Archived) != 1 || len(report.Deleted) != 1 {
		t.Fatalf("cleanup: archived=%v deleted=%v, want 1/1", report.Archived, report.Deleted)
	}
	if _, err := os.Stat(filepath.Join(storeRoot(t, store), "archive", name)); err != nil {
		t.Errorf("archive copy missing: %v", err)
	}
	if _, err := store.RetrieveEvents(ctx, name); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("deleted file still retrievable: %v", err)
	}
}

func TestCleanupOldFiles_skipsPreservedEvents(t *testing.T) {
	store := newStore(t)
	name, err := store.StoreEvents(ctx, sampleEvents(2), "held.audit")
	if err != nil {
		t.Fatal(err)
	}
	ageFile(t, store, name)

	// A legal hold covers one of the contained events; age alone must not
	// remove the container.
	report, err := store.CleanupOldFiles(ctx, 2190, []string{"evt-b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 0 {
		t.Errorf("held container deleted: %v", report.Deleted)
	}
	if _, err := store.RetrieveEvents(ctx, name); err != nil {
		t.Errorf("held container unreadable after cleanup: %v", err)
	}

	// Once the hold is gone the container ages out normally.
	report, err = store.CleanupOldFiles(ctx, 2190, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 1 {
		t.Fatalf("cleanup after release: deleted=%v, want 1", report.Deleted)
	}
}

// ageFile backdates a container's sidecar far past the retention cutoff.
func ageFile(t *testing.T, store *vault.Store, name string) {
	t.Helper()
	metaPath := filepath.Join(storeRoot(t, store), "metadata", name+".meta")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	var meta vault.StorageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	meta.CreatedAt = time.Now().UTC().AddDate(-7, 0, 0)
	aged, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(metaPath, aged, 0o600); err != nil {
		t.Fatal(err)
	}
}
