package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// makeChain builds n hash-chained events signed with testKey.
func makeChain(n int) []ledger.Event {
	events := make([]ledger.Event, n)
	prev := ""
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range events {
		e := ledger.Event{
			ID:         "evt-" + string(rune('a'+i)),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			UserID:     "clinician-7",
			Action:     "view",
			Resource:   "patient_record",
			ResourceID: "pr-100",
			Details:    map[string]string{"field": "notes", "reason": "treatment"},
			Result:     ledger.ResultSuccess,
			RiskLevel:  ledger.RiskHigh,
			PrevHash:   prev,
		}
		e.Hash = ledger.ComputeHash(testKey, &e)
		events[i] = e
		prev = e.Hash
	}
	return events
}

func TestComputeHash_deterministic(t *testing.T) {
	events := makeChain(1)
	e := events[0]

	again := ledger.ComputeHash(testKey, &e)
	if again != e.Hash {
		t.Errorf("hash not deterministic: got %q, want %q", again, e.Hash)
	}
}

func TestComputeHash_detailsOrderIndependent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := ledger.Event{ID: "x", Timestamp: ts, Action: "view", Resource: "r",
		Details: map[string]string{"a": "1", "b": "2", "c": "3"}}
	b := ledger.Event{ID: "x", Timestamp: ts, Action: "view", Resource: "r",
		Details: map[string]string{"c": "3", "a": "1", "b": "2"}}

	if ledger.ComputeHash(testKey, &a) != ledger.ComputeHash(testKey, &b) {
		t.Error("hash depends on details map construction order")
	}
}

func TestComputeHash_keyed(t *testing.T) {
	events := makeChain(1)
	otherKey := []byte("ffffffffffffffffffffffffffffffff")
	if ledger.ComputeHash(otherKey, &events[0]) == events[0].Hash {
		t.Error("hash does not depend on the signing key")
	}
}

func TestVerifyChain_valid(t *testing.T) {
	if err := ledger.VerifyChain(testKey, makeChain(5)); err != nil {
		t.Errorf("VerifyChain() on valid chain: %v", err)
	}
}

func TestVerifyChain_empty(t *testing.T) {
	if err := ledger.VerifyChain(testKey, nil); err != nil {
		t.Errorf("VerifyChain() on empty chain: %v", err)
	}
}

func TestVerifyChain_tamperedPayload(t *testing.T) {
	events := makeChain(5)
	events[2].Details["field"] = "medications"

	err := ledger.VerifyChain(testKey, events)
	var broken *ledger.ChainBrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("expected *ChainBrokenError, got %v", err)
	}
	if broken.Index != 2 {
		t.Errorf("break index: got %d, want 2", broken.Index)
	}
}

func TestVerifyChain_tamperedLinkage(t *testing.T) {
	events := makeChain(4)
	events[3].PrevHash = events[1].Hash

	err := ledger.VerifyChain(testKey, events)
	var broken *ledger.ChainBrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("expected *ChainBrokenError, got %v", err)
	}
	if broken.Index != 3 {
		t.Errorf("break index: got %d, want 3", broken.Index)
	}
}

func TestVerifyChain_recomputedAfterEditStillFails(t *testing.T) {
	// An attacker without the signing key cannot rebuild a consistent chain:
	// recomputing hashes with the wrong key leaves the chain invalid.
	events := makeChain(3)
	wrongKey := []byte("attacker-key-attacker-key-attack")
	events[1].UserID = "intruder"
	events[1].Hash = ledger.ComputeHash(wrongKey, &events[1])
	events[2].PrevHash = events[1].Hash
	events[2].Hash = ledger.ComputeHash(wrongKey, &events[2])

	if err := ledger.VerifyChain(testKey, events); err == nil {
		t.Error("chain rebuilt with the wrong key passed verification")
	}
}
