package vault_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/havenhealth/auditvault/internal/chain"
	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/vault"
	"go.uber.org/zap"
)

// chainedEvents rebuilds the sample events into a valid hash chain under the
// given signing key, so the chain verifier accepts them.
func chainedEvents(key []byte, n int) []ledger.Event {
	events := sampleEvents(n)
	prev := ""
	for i := range events {
		events[i].PrevHash = prev
		events[i].Hash = ledger.ComputeHash(key, &events[i])
		prev = events[i].Hash
	}
	return events
}

func TestDisposeOverwrite_removesTargetsAndRehomesSurvivors(t *testing.T) {
	store := newStore(t)

	// Two files: the first holds a disposal target alongside a survivor.
	batch1 := sampleEvents(3)
	if _, err := store.StoreEvents(ctx, batch1, "batch1.audit"); err != nil {
		t.Fatal(err)
	}
	batch2 := sampleEvents(2)
	batch2[0].ID = "evt-x"
	batch2[1].ID = "evt-y"
	if _, err := store.StoreEvents(ctx, batch2, "batch2.audit"); err != nil {
		t.Fatal(err)
	}

	impact, err := store.DisposeOverwrite(ctx, []string{"evt-a"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if impact.OverwritePasses < 3 {
		t.Errorf("OverwritePasses: got %d, want >= 3", impact.OverwritePasses)
	}
	if len(impact.Files) != 1 || impact.Files[0] != "batch1.audit" {
		t.Errorf("Files: got %v, want [batch1.audit]", impact.Files)
	}
	if impact.SurvivorsRehomed != 2 {
		t.Errorf("SurvivorsRehomed: got %d, want 2", impact.SurvivorsRehomed)
	}

	// The original file and its backup are gone.
	if _, err := os.Stat(filepath.Join(storeRoot(t, store), "data", "batch1.audit")); !os.IsNotExist(err) {
		t.Error("target container still present")
	}
	if _, err := os.Stat(filepath.Join(storeRoot(t, store), "backup", "batch1.audit")); !os.IsNotExist(err) {
		t.Error("target backup still present")
	}

	// The untouched file and the rehomed survivors remain readable.
	remaining := collectAllEvents(t, store)
	if _, ok := remaining["evt-a"]; ok {
		t.Error("disposed event still recoverable")
	}
	for _, id := range []string{"evt-b", "evt-c", "evt-x", "evt-y"} {
		if _, ok := remaining[id]; !ok {
			t.Errorf("survivor %s lost by disposal", id)
		}
	}
}

func TestDisposeCryptographic_destroysCoveringKeyVersions(t *testing.T) {
	store := newStore(t)

	if _, err := store.StoreEvents(ctx, sampleEvents(2), "doomed.audit"); err != nil {
		t.Fatal(err)
	}
	other := sampleEvents(1)
	other[0].ID = "evt-keep"
	if _, err := store.StoreEvents(ctx, other, "keep.audit"); err != nil {
		t.Fatal(err)
	}

	impact, err := store.DisposeCryptographic(ctx, []string{"evt-a", "evt-b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(impact.KeyVersionsDestroyed) != 1 || impact.KeyVersionsDestroyed[0] != 1 {
		t.Errorf("KeyVersionsDestroyed: got %v, want [1]", impact.KeyVersionsDestroyed)
	}
	if store.Keystore().CurrentVersion() != 2 {
		t.Errorf("current version: got %d, want 2", store.Keystore().CurrentVersion())
	}

	// The doomed ciphertext is unrecoverable; the unrelated file was moved to
	// the new key and stays readable.
	if _, err := store.RetrieveEvents(ctx, "doomed.audit"); err == nil {
		t.Error("cryptographically erased file still decryptable")
	}
	kept, err := store.RetrieveEvents(ctx, "keep.audit")
	if err != nil {
		t.Fatalf("unrelated file unreadable after erasure: %v", err)
	}
	if len(kept) != 1 || kept[0].ID != "evt-keep" {
		t.Errorf("unrelated file corrupted: %+v", kept)
	}
}

func TestDisposeCryptographic_redactsArchivedBlocks(t *testing.T) {
	store := newStore(t)
	key := store.Keystore().SigningKey()

	// Seal the batch into an archived block, the same path auditd takes.
	events := chainedEvents(key, 2)
	v := chain.NewVerifier(key, zap.NewNop())
	v.SetDifficulty(0)
	v.SetArchive(store)
	if _, err := v.AddEvents(ctx, events); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StoreEvents(ctx, events[:1], "doomed.audit"); err != nil {
		t.Fatal(err)
	}

	impact, err := store.DisposeCryptographic(ctx, []string{events[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(impact.BlocksRewritten) != 1 || impact.BlocksRewritten[0] != "block_00000001.block" {
		t.Errorf("BlocksRewritten: got %v, want [block_00000001.block]", impact.BlocksRewritten)
	}

	// The archived block must no longer serve the disposed payload, while the
	// co-sealed event stays intact.
	b, err := store.LoadBlock(ctx, 1)
	if err != nil {
		t.Fatalf("LoadBlock() after erasure: %v", err)
	}
	if len(b.Events) != 2 {
		t.Fatalf("block events: got %d, want 2", len(b.Events))
	}
	got := b.Events[0]
	if !got.Redacted {
		t.Error("disposed event not marked redacted in archived block")
	}
	if got.UserID != "" || got.Details != nil {
		t.Errorf("disposed payload survived in archived block: %+v", got)
	}
	if b.Events[1].UserID != "clinician-7" || b.Events[1].Details == nil {
		t.Errorf("co-sealed event damaged: %+v", b.Events[1])
	}
}

func TestDisposeOverwrite_redactsArchivedBlocks(t *testing.T) {
	store := newStore(t)
	key := store.Keystore().SigningKey()

	events := chainedEvents(key, 2)
	v := chain.NewVerifier(key, zap.NewNop())
	v.SetDifficulty(0)
	v.SetArchive(store)
	if _, err := v.AddEvents(ctx, events); err != nil {
		t.Fatal(err)
	}

	impact, err := store.DisposeOverwrite(ctx, []string{events[1].ID}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(impact.BlocksRewritten) != 1 {
		t.Fatalf("BlocksRewritten: got %v, want 1 block", impact.BlocksRewritten)
	}

	b, err := store.LoadBlock(ctx, 1)
	if err != nil {
		t.Fatalf("LoadBlock() after overwrite: %v", err)
	}
	if !b.Events[1].Redacted || b.Events[1].UserID != "" {
		t.Errorf("disposed payload survived in archived block: %+v", b.Events[1])
	}
	if b.Events[0].UserID != "clinician-7" {
		t.Errorf("co-sealed event damaged: %+v", b.Events[0])
	}
}

func TestDisposeCryptographic_resealsLedgerRecords(t *testing.T) {
	root := t.TempDir()
	ks := newKeystore(t, filepath.Join(root, "keys"))
	store, err := vault.NewStore(root, ks, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	l := ledger.New(ks.SigningKey(), filepath.Join(root, "ledger"), ks, zap.NewNop())
	if err := l.Open(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	store.SetResealer(l)

	target, err := l.Append(ctx, ledger.Event{
		UserID: "clinician-7", Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess,
	})
	if err != nil {
		t.Fatal(err)
	}
	innocent, err := l.Append(ctx, ledger.Event{
		UserID: "clinician-9", Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.StoreEvents(ctx, []ledger.Event{*target}, "doomed.audit"); err != nil {
		t.Fatal(err)
	}

	impact, err := store.DisposeCryptographic(ctx, []string{target.ID})
	if err != nil {
		t.Fatal(err)
	}
	if impact.RecordsResealed != 2 {
		t.Errorf("RecordsResealed: got %d, want 2", impact.RecordsResealed)
	}

	// Destroying the key version that sealed the ledger log must not take the
	// innocent record with it.
	all, err := l.Query(ledger.Criteria{})
	if err != nil {
		t.Fatalf("Query() after erasure: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 readable ledger records, got %d", len(all))
	}
	if all[1].ID != innocent.ID || all[1].UserID != "clinician-9" {
		t.Errorf("innocent record damaged: %+v", all[1])
	}
}

func TestDisposeOverwrite_noMatches(t *testing.T) {
	store := newStore(t)
	if _, err := store.StoreEvents(ctx, sampleEvents(1), "a.audit"); err != nil {
		t.Fatal(err)
	}

	impact, err := store.DisposeOverwrite(ctx, []string{"evt-unknown"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(impact.Files) != 0 {
		t.Errorf("no-match disposal touched files: %v", impact.Files)
	}
}

func TestArchiveFilesContaining(t *testing.T) {
	store := newStore(t)
	if _, err := store.StoreEvents(ctx, sampleEvents(2), "move.audit"); err != nil {
		t.Fatal(err)
	}

	moved, err := store.ArchiveFilesContaining(ctx, []string{"evt-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || moved[0] != "move.audit" {
		t.Fatalf("moved: got %v, want [move.audit]", moved)
	}

	if _, err := os.Stat(filepath.Join(storeRoot(t, store), "archive", "move.audit")); err != nil {
		t.Errorf("archive copy missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(storeRoot(t, store), "data", "move.audit")); !os.IsNotExist(err) {
		t.Error("archived container still in active data dir")
	}
}

// collectAllEvents reads every stored container and indexes events by ID.
func collectAllEvents(t *testing.T, store *vault.Store) map[string]ledger.Event {
	t.Helper()
	files, err := store.ListFiles()
	if err != nil {
		t.Fatal(err)
	}
	byID := make(map[string]ledger.Event)
	for _, name := range files {
		events, err := store.RetrieveEvents(ctx, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		for _, e := range events {
			byID[e.ID] = e
		}
	}
	return byID
}
