// Package retention enforces retention policy, legal holds, and certified
// secure disposal over stored audit events.
package retention

import (
	"errors"
	"fmt"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
)

// MinRetentionDays is the HIPAA minimum retention period (6 years). Policies
// below it are rejected at creation time, never silently clamped.
const MinRetentionDays = 2190

// ErrPolicyViolation rejects a policy whose retention period is below the
// HIPAA minimum.
var ErrPolicyViolation = fmt.Errorf("retention: retention period below HIPAA minimum of %d days", MinRetentionDays)

// ErrInvalidState rejects a lifecycle transition from a non-eligible state,
// e.g. releasing a hold that is not active.
var ErrInvalidState = errors.New("retention: invalid lifecycle state for requested transition")

// ErrNotFound is returned for unknown policy, hold, or schedule IDs.
var ErrNotFound = errors.New("retention: not found")

// LegalHoldConflictError blocks a disposal that would destroy a held event.
// The disposal request is fatal; it is not retried automatically.
type LegalHoldConflictError struct {
	EventID string
	HoldID  string
}

func (e *LegalHoldConflictError) Error() string {
	return fmt.Sprintf("retention: event %s is preserved by active legal hold %s", e.EventID, e.HoldID)
}

// Policy is an administrator-created retention policy. It is immutable once
// applied to scheduled actions in flight.
type Policy struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	RetentionPeriodDays int                `json:"retention_period_days"`
	ArchivalPeriodDays  int                `json:"archival_period_days"`
	Categories          []string           `json:"categories,omitempty"`
	RiskLevels          []ledger.RiskLevel `json:"risk_levels,omitempty"`
	Priority            int                `json:"priority"`
	AutoArchive         bool               `json:"auto_archive"`
	AutoDelete          bool               `json:"auto_delete"`
	SecureDisposal      bool               `json:"secure_disposal"`
	CreatedAt           time.Time          `json:"created_at"`
	CreatedBy           string             `json:"created_by,omitempty"`
}

// AppliesTo reports whether the policy constrains the given event. Empty
// constraint lists match everything.
func (p *Policy) AppliesTo(e *ledger.Event) bool {
	if len(p.Categories) > 0 {
		found := false
		for _, c := range p.Categories {
			if c == e.Resource || c == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.RiskLevels) > 0 {
		found := false
		for _, r := range p.RiskLevels {
			if r == e.RiskLevel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HoldStatus is the lifecycle state of a legal hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldExpired  HoldStatus = "expired"
)

// LegalHold preserves matching events from deletion regardless of policy.
// The preserved set is snapshotted at creation; it does not grow to capture
// future events unless explicitly re-evaluated.
type LegalHold struct {
	ID              string          `json:"id"`
	CaseReference   string          `json:"case_reference,omitempty"`
	Reason          string          `json:"reason"`
	SearchCriteria  ledger.Criteria `json:"search_criteria"`
	Status          HoldStatus      `json:"status"`
	PreservedEvents []string        `json:"preserved_events"`
	CreatedAt       time.Time       `json:"created_at"`
	CreatedBy       string          `json:"created_by"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	ReleasedBy      string          `json:"released_by,omitempty"`
}

// Preserves reports whether an active hold covers the event ID.
func (h *LegalHold) Preserves(eventID string) bool {
	if h.Status != HoldActive {
		return false
	}
	for _, id := range h.PreservedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// DisposalMethod selects how data is destroyed.
type DisposalMethod string

const (
	// MethodCryptographicErasure destroys the key versions covering the
	// target data, leaving the ciphertext unrecoverable.
	MethodCryptographicErasure DisposalMethod = "cryptographic_erasure"

	// MethodSecureOverwrite rewrites the target files with random bytes for
	// at least three passes before removal.
	MethodSecureOverwrite DisposalMethod = "secure_overwrite"

	// MethodPhysicalDestruction cannot be automated; the certificate records
	// the operator requirement.
	MethodPhysicalDestruction DisposalMethod = "physical_destruction"
)

// DisposalCertificate is the write-once proof that destruction occurred.
type DisposalCertificate struct {
	ID                string         `json:"id"`
	DisposalDate      time.Time      `json:"disposal_date"`
	Method            DisposalMethod `json:"method"`
	ResourcesDisposed []string       `json:"resources_disposed"`
	VerificationHash  string         `json:"verification_hash"`
	WitnessList       []string       `json:"witness_list"`
}

// ScheduleStatus is the lifecycle state of a retention schedule.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	ScheduleInProgress ScheduleStatus = "in_progress"
	ScheduleCompleted  ScheduleStatus = "completed"
	ScheduleFailed     ScheduleStatus = "failed"
)

// EventRef identifies one event in a schedule without storing its payload.
type EventRef struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// Schedule is one planned archive or delete action. A failed schedule is
// surfaced for manual re-scheduling; it is never retried automatically.
type Schedule struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"` // archive or delete
	Events         []EventRef     `json:"events"`
	PolicyID       string         `json:"policy_id,omitempty"`
	SecureDisposal bool           `json:"secure_disposal"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	Status         ScheduleStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Decision is the result of applying retention policies to an event batch.
type Decision struct {
	ToArchive   []ledger.Event `json:"to_archive"`
	ToDelete    []ledger.Event `json:"to_delete"`
	ToRetain    []ledger.Event `json:"to_retain"`
	OnLegalHold []ledger.Event `json:"on_legal_hold"`
}
