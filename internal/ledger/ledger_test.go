package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

// plainSealer stores records unencrypted; keystore-backed sealing is covered
// by the vault package tests.
type plainSealer struct{}

func (plainSealer) SealRecord(p []byte) ([]byte, error) { return p, nil }
func (plainSealer) OpenRecord(s []byte) ([]byte, error) { return s, nil }

func newTestLedger(t *testing.T, dir string) *ledger.Ledger {
	t.Helper()
	l := ledger.New(testKey, dir, plainSealer{}, zap.NewNop())
	if err := l.Open(ctx); err != nil {
		t.Fatalf("Open(): %v", err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func TestAppend_requiresOpen(t *testing.T) {
	l := ledger.New(testKey, t.TempDir(), plainSealer{}, zap.NewNop())
	_, err := l.Append(ctx, ledger.Event{Action: "view", Resource: "r", Result: ledger.ResultSuccess})
	if !errors.Is(err, ledger.ErrChainNotInitialized) {
		t.Errorf("expected ErrChainNotInitialized, got %v", err)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := newTestLedger(t, t.TempDir())

	e1, err := l.Append(ctx, ledger.Event{
		UserID: "clinician-7", Action: "view", Resource: "patient_record",
		Result: ledger.ResultSuccess, RiskLevel: ledger.RiskHigh, PHIInvolved: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e1.ID == "" {
		t.Error("Append() did not assign an ID")
	}
	if e1.Timestamp.IsZero() {
		t.Error("Append() did not assign a timestamp")
	}
	if e1.PrevHash != "" {
		t.Errorf("first event PrevHash: got %q, want empty sentinel", e1.PrevHash)
	}

	e2, err := l.Append(ctx, ledger.Event{
		UserID: "clinician-7", Action: "update", Resource: "patient_record",
		Result: ledger.ResultSuccess, RiskLevel: ledger.RiskHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if l.LastHash() != e2.Hash {
		t.Errorf("LastHash(): got %q, want %q", l.LastHash(), e2.Hash)
	}
}

func TestOpen_restoresCursorAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	l := newTestLedger(t, dir)

	var last *ledger.Event
	for i := 0; i < 3; i++ {
		e, err := l.Append(ctx, ledger.Event{
			UserID: "u", Action: "view", Resource: "r", Result: ledger.ResultSuccess,
		})
		if err != nil {
			t.Fatal(err)
		}
		last = e
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestLedger(t, dir)
	if reopened.LastHash() != last.Hash {
		t.Errorf("cursor after reopen: got %q, want %q", reopened.LastHash(), last.Hash)
	}

	e4, err := reopened.Append(ctx, ledger.Event{
		UserID: "u", Action: "view", Resource: "r", Result: ledger.ResultSuccess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e4.PrevHash != last.Hash {
		t.Errorf("chain broken across restart: PrevHash=%q, want %q", e4.PrevHash, last.Hash)
	}

	all, err := reopened.Query(ledger.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 persisted events, got %d", len(all))
	}
	if err := reopened.VerifyEvents(all); err != nil {
		t.Errorf("VerifyEvents() after restart: %v", err)
	}
}

func TestQuery_filters(t *testing.T) {
	l := newTestLedger(t, t.TempDir())

	seed := []ledger.Event{
		{UserID: "alice", Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess, PHIInvolved: true},
		{UserID: "bob", Action: "view", Resource: "patient_record", Result: ledger.ResultFailure},
		{UserID: "alice", Action: "login", Resource: "auth", Result: ledger.ResultSuccess},
		{UserID: "mallory", Action: "export", Resource: "patient_record", Result: ledger.ResultBlocked, RiskLevel: ledger.RiskCritical},
	}
	for _, e := range seed {
		if _, err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	byUser, err := l.Query(ledger.Criteria{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 2 {
		t.Errorf("UserID filter: got %d events, want 2", len(byUser))
	}

	phi := true
	byPHI, err := l.Query(ledger.Criteria{PHI: &phi})
	if err != nil {
		t.Fatal(err)
	}
	if len(byPHI) != 1 {
		t.Errorf("PHI filter: got %d events, want 1", len(byPHI))
	}

	paged, err := l.Query(ledger.Criteria{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 2 {
		t.Errorf("Limit/Offset: got %d events, want 2", len(paged))
	}
	if paged[0].UserID != "bob" {
		t.Errorf("Offset skipped wrong event: got user %q, want bob", paged[0].UserID)
	}

	none, err := l.Query(ledger.Criteria{Offset: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("oversized Offset: got %d events, want 0", len(none))
	}
}

func TestGenerateSummary(t *testing.T) {
	l := newTestLedger(t, t.TempDir())

	for _, e := range []ledger.Event{
		{UserID: "alice", Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess, RiskLevel: ledger.RiskHigh, PHIInvolved: true},
		{UserID: "alice", Action: "view", Resource: "patient_record", Result: ledger.ResultFailure, RiskLevel: ledger.RiskHigh, PHIInvolved: true},
		{UserID: "bob", Action: "login", Resource: "auth", Result: ledger.ResultSuccess, RiskLevel: ledger.RiskLow},
	} {
		if _, err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	s, err := l.GenerateSummary(time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalEvents != 3 {
		t.Errorf("TotalEvents: got %d, want 3", s.TotalEvents)
	}
	if s.PHIEvents != 2 {
		t.Errorf("PHIEvents: got %d, want 2", s.PHIEvents)
	}
	if s.Failures != 1 {
		t.Errorf("Failures: got %d, want 1", s.Failures)
	}
	if s.DistinctUsers != 2 {
		t.Errorf("DistinctUsers: got %d, want 2", s.DistinctUsers)
	}
	if s.ByAction["view"] != 2 {
		t.Errorf("ByAction[view]: got %d, want 2", s.ByAction["view"])
	}
	if s.ByRisk[ledger.RiskHigh] != 2 {
		t.Errorf("ByRisk[high]: got %d, want 2", s.ByRisk[ledger.RiskHigh])
	}
}

func TestExport_csv(t *testing.T) {
	l := newTestLedger(t, t.TempDir())
	if _, err := l.Append(ctx, ledger.Event{
		UserID: "alice", Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := l.Export(&buf, time.Time{}, time.Time{}, ledger.ExportCSV); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,timestamp,user_id") {
		t.Errorf("unexpected csv header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "alice") {
		t.Errorf("row missing user: %q", lines[1])
	}
}

func TestExport_unsupportedFormat(t *testing.T) {
	l := newTestLedger(t, t.TempDir())
	var buf bytes.Buffer
	if err := l.Export(&buf, time.Time{}, time.Time{}, "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestTakeBatch_drainsStaged(t *testing.T) {
	l := newTestLedger(t, t.TempDir())
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, ledger.Event{Action: "view", Resource: "r", Result: ledger.ResultSuccess}); err != nil {
			t.Fatal(err)
		}
	}

	batch := l.TakeBatch()
	if len(batch) != 3 {
		t.Errorf("first TakeBatch(): got %d, want 3", len(batch))
	}
	if err := l.VerifyEvents(batch); err != nil {
		t.Errorf("batch chain invalid: %v", err)
	}
	if again := l.TakeBatch(); len(again) != 0 {
		t.Errorf("second TakeBatch(): got %d, want 0", len(again))
	}
}

func TestRestage_returnsBatchToFront(t *testing.T) {
	l := newTestLedger(t, t.TempDir())

	for i := 0; i < 2; i++ {
		if _, err := l.Append(ctx, ledger.Event{Action: "view", Resource: "r", Result: ledger.ResultSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	batch := l.TakeBatch()
	if len(batch) != 2 {
		t.Fatalf("TakeBatch(): got %d, want 2", len(batch))
	}

	// A third event arrives while the first batch is out for sealing, then
	// sealing fails and the batch comes back.
	if _, err := l.Append(ctx, ledger.Event{Action: "update", Resource: "r", Result: ledger.ResultSuccess}); err != nil {
		t.Fatal(err)
	}
	l.Restage(batch)

	retry := l.TakeBatch()
	if len(retry) != 3 {
		t.Fatalf("TakeBatch() after restage: got %d, want 3", len(retry))
	}
	for i, e := range batch {
		if retry[i].ID != e.ID {
			t.Errorf("restaged batch not at front: position %d is %q, want %q", i, retry[i].ID, e.ID)
		}
	}
	// Restaging must preserve append order so the batch still chains.
	if err := l.VerifyEvents(retry); err != nil {
		t.Errorf("restaged batch chain invalid: %v", err)
	}
}

func TestRedact_scrubsPayloadKeepsChain(t *testing.T) {
	dir := t.TempDir()
	l := newTestLedger(t, dir)

	var events []*ledger.Event
	for i := 0; i < 3; i++ {
		e, err := l.Append(ctx, ledger.Event{
			UserID:     "clinician-7",
			SessionID:  "sess-1",
			Action:     "view",
			Resource:   "patient_record",
			ResourceID: "pr-" + strconv.Itoa(i),
			Details:    map[string]string{"field": "notes"},
			Result:     ledger.ResultSuccess,
		})
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, e)
	}

	n, err := l.Redact([]string{events[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Redact(): got %d records, want 1", n)
	}

	check := func(all []ledger.Event) {
		t.Helper()
		if len(all) != 3 {
			t.Fatalf("expected 3 events, got %d", len(all))
		}
		got := all[1]
		if !got.Redacted {
			t.Error("target event not marked redacted")
		}
		if got.UserID != "" || got.SessionID != "" || got.ResourceID != "" || got.Details != nil {
			t.Errorf("payload survived redaction: %+v", got)
		}
		if got.Hash != events[1].Hash {
			t.Errorf("redaction changed stored hash: got %q, want %q", got.Hash, events[1].Hash)
		}
		if all[0].UserID != "clinician-7" || all[2].UserID != "clinician-7" {
			t.Error("redaction touched neighbouring events")
		}
		if err := l.VerifyEvents(all); err != nil {
			t.Errorf("chain invalid after redaction: %v", err)
		}
	}

	all, err := l.Query(ledger.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	check(all)

	// The rewrite must be durable, not just a change to resident copies.
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	reopened := newTestLedger(t, dir)
	all, err = reopened.Query(ledger.Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	check(all)
}

// versionedSealer seals records under a numbered key version so re-sealing
// is observable, mirroring the vault keystore's record format.
type versionedSealer struct {
	version   int
	destroyed map[int]bool
}

func (s *versionedSealer) SealRecord(p []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("v%d:%s", s.version, p)), nil
}

func (s *versionedSealer) OpenRecord(b []byte) ([]byte, error) {
	prefix, rest, ok := strings.Cut(string(b), ":")
	if !ok {
		return nil, errors.New("malformed record")
	}
	v, err := strconv.Atoi(strings.TrimPrefix(prefix, "v"))
	if err != nil {
		return nil, err
	}
	if s.destroyed[v] {
		return nil, fmt.Errorf("key version %d unavailable", v)
	}
	return []byte(rest), nil
}

func TestReseal_movesRecordsOffOldKeyVersions(t *testing.T) {
	sealer := &versionedSealer{version: 1, destroyed: map[int]bool{}}
	l := ledger.New(testKey, t.TempDir(), sealer, zap.NewNop())
	if err := l.Open(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck

	for i := 0; i < 2; i++ {
		if _, err := l.Append(ctx, ledger.Event{
			UserID: "clinician-7", Action: "view", Resource: "patient_record", Result: ledger.ResultSuccess,
		}); err != nil {
			t.Fatal(err)
		}
	}

	sealer.version = 2
	n, err := l.Reseal()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Reseal(): got %d records, want 2", n)
	}

	// Records sealed under the retired version must now read through the new
	// one, so destroying the old key loses nothing.
	sealer.destroyed[1] = true
	all, err := l.Query(ledger.Criteria{})
	if err != nil {
		t.Fatalf("Query() after old key destroyed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 readable events, got %d", len(all))
	}
	if err := l.VerifyEvents(all); err != nil {
		t.Errorf("chain invalid after reseal: %v", err)
	}
}

func TestRecorder_riskClassification(t *testing.T) {
	l := newTestLedger(t, t.TempDir())

	phi, err := l.LogPHIAccess(ctx, "clinician-7", "sess-1", "patient_record", "pr-1", ledger.ResultSuccess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if phi.RiskLevel != ledger.RiskHigh || !phi.PHIInvolved {
		t.Errorf("PHI access: got risk=%s phi=%v, want high/true", phi.RiskLevel, phi.PHIInvolved)
	}

	crisis, err := l.LogCrisisAccess(ctx, "clinician-7", "sess-1", "cs-9", ledger.ResultSuccess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if crisis.RiskLevel != ledger.RiskCritical {
		t.Errorf("crisis access risk: got %s, want critical", crisis.RiskLevel)
	}
	if crisis.Resource != "crisis_session" {
		t.Errorf("crisis resource: got %q, want crisis_session", crisis.Resource)
	}

	failed, err := l.LogAuthEvent(ctx, "bob", "sess-2", "login", ledger.ResultFailure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if failed.RiskLevel != ledger.RiskMedium {
		t.Errorf("failed auth risk: got %s, want medium", failed.RiskLevel)
	}

	violation, err := l.LogSecurityViolation(ctx, "mallory", "sess-3", "bulk_export", nil)
	if err != nil {
		t.Fatal(err)
	}
	if violation.RiskLevel != ledger.RiskCritical || violation.Result != ledger.ResultBlocked {
		t.Errorf("violation: got risk=%s result=%s, want critical/blocked", violation.RiskLevel, violation.Result)
	}
}
