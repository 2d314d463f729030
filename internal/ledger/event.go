package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RiskLevel classifies the sensitivity of an audited operation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Result is the outcome of the audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultBlocked Result = "blocked"
)

// Event is a single immutable audit record. Each event's Hash covers the
// previous event's hash, forming a chain where modifying any record
// invalidates every record after it.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Action      string            `json:"action"`
	Resource    string            `json:"resource"`
	ResourceID  string            `json:"resource_id,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Result      Result            `json:"result"`
	RiskLevel   RiskLevel         `json:"risk_level"`
	PHIInvolved bool              `json:"phi_involved"`
	Hash        string            `json:"hash"`
	PrevHash    string            `json:"previous_hash"`
	Redacted    bool              `json:"redacted,omitempty"`
}

// Redact destroys an event's payload in place after certified disposal. The
// identifying and PHI-bearing fields are cleared; the stored Hash and
// PrevHash are kept so chain linkage over the redacted record still
// verifies. Content verification of a redacted record is no longer possible,
// which is the point of disposal.
func Redact(e *Event) {
	e.UserID = ""
	e.SessionID = ""
	e.ResourceID = ""
	e.Details = nil
	e.Redacted = true
}

// canonicalDetails renders the details map deterministically: keys sorted,
// "k=v" pairs joined with commas. Map iteration order must never leak into
// the hash input.
func canonicalDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+details[k])
	}
	return strings.Join(pairs, ",")
}

// ComputeHash calculates the keyed hash for an audit event. The digest is an
// HMAC-SHA256 over the canonical fields, so an attacker without the signing
// key cannot recompute a consistent chain after altering a record.
func ComputeHash(signingKey []byte, e *Event) string {
	mac := hmac.New(sha256.New, signingKey)
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.UserID, e.Action, e.Resource, e.ResourceID,
		canonicalDetails(e.Details), e.Result, e.PrevHash,
	)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChain walks a sequence of events and checks that every event's
// PrevHash equals the prior event's hash and that each stored hash matches
// the recomputed one. It returns a *ChainBrokenError at the first mismatch.
// Redacted records no longer carry the payload their hash was computed over,
// so only their linkage is checked.
func VerifyChain(signingKey []byte, events []Event) error {
	for i := range events {
		e := &events[i]
		if i > 0 && e.PrevHash != events[i-1].Hash {
			return &ChainBrokenError{
				Index:  i,
				Reason: fmt.Sprintf("previous_hash %q does not match prior event hash %q", e.PrevHash, events[i-1].Hash),
			}
		}
		if e.Redacted {
			continue
		}
		if got := ComputeHash(signingKey, e); got != e.Hash {
			return &ChainBrokenError{
				Index:  i,
				Reason: "stored hash does not match recomputed hash",
			}
		}
	}
	return nil
}
