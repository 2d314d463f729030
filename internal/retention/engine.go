package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/vault"
	"go.uber.org/zap"
)

// EventSource supplies events for legal-hold snapshots and destroys ledger
// copies of disposed records. *ledger.Ledger satisfies this interface.
type EventSource interface {
	Query(criteria ledger.Criteria) ([]ledger.Event, error)
	Redact(eventIDs []string) (int, error)
}

// Disposer executes the destructive half of retention actions against the
// encrypted store. *vault.Store satisfies this interface.
type Disposer interface {
	DisposeCryptographic(ctx context.Context, eventIDs []string) (*vault.DisposalImpact, error)
	DisposeOverwrite(ctx context.Context, eventIDs []string, passes int) (*vault.DisposalImpact, error)
	ArchiveFilesContaining(ctx context.Context, eventIDs []string) ([]string, error)
	CleanupOldFiles(ctx context.Context, retentionDays int, preserve []string) (*vault.CleanupReport, error)
}

// ChainRedactor scrubs disposed events from verification blocks still held
// in memory. *chain.Verifier satisfies this interface.
type ChainRedactor interface {
	RedactEvents(eventIDs []string) int
}

// Engine is the retention and disposal engine. It owns policy evaluation,
// the legal-hold lifecycle, retention schedules, and certified destruction.
// Retention runs concurrently with ledger appends; hold membership is
// re-checked under the engine lock immediately before any destruction.
type Engine struct {
	mu            sync.Mutex
	policies      map[string]*Policy
	holds         map[string]*LegalHold
	schedules     map[string]*Schedule
	store         *StateStore
	source        EventSource
	disposer      Disposer
	chainRedactor ChainRedactor
	logger        *zap.Logger
}

// NewEngine loads persisted retention state and returns a ready engine.
func NewEngine(store *StateStore, source EventSource, disposer Disposer, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		policies:  make(map[string]*Policy),
		holds:     make(map[string]*LegalHold),
		schedules: make(map[string]*Schedule),
		store:     store,
		source:    source,
		disposer:  disposer,
		logger:    logger,
	}

	policies, err := store.LoadPolicies()
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		e.policies[p.ID] = p
	}
	holds, err := store.LoadHolds()
	if err != nil {
		return nil, err
	}
	for _, h := range holds {
		e.holds[h.ID] = h
	}
	schedules, err := store.LoadSchedules()
	if err != nil {
		return nil, err
	}
	for _, sc := range schedules {
		e.schedules[sc.ID] = sc
	}

	logger.Info("retention engine ready",
		zap.Int("policies", len(e.policies)),
		zap.Int("legal_holds", len(e.holds)),
		zap.Int("schedules", len(e.schedules)),
	)
	return e, nil
}

// SetChainRedactor registers the in-memory block window for disposal
// redaction. Optional; offline tooling runs without a live chain.
func (e *Engine) SetChainRedactor(r ChainRedactor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chainRedactor = r
}

// ── policies ─────────────────────────────────────────────────────────────────

// CreatePolicy validates and persists a retention policy. Periods below the
// HIPAA minimum are rejected with ErrPolicyViolation.
func (e *Engine) CreatePolicy(p Policy) (*Policy, error) {
	if p.RetentionPeriodDays < MinRetentionDays {
		return nil, fmt.Errorf("%w: got %d days", ErrPolicyViolation, p.RetentionPeriodDays)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	if err := e.store.SavePolicy(&p); err != nil {
		return nil, err
	}
	e.policies[p.ID] = &p

	e.logger.Info("retention policy created",
		zap.String("id", p.ID),
		zap.String("name", p.Name),
		zap.Int("retention_days", p.RetentionPeriodDays),
	)
	return &p, nil
}

// Policies returns all policies sorted by descending priority.
func (e *Engine) Policies() []*Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// selectPolicyLocked picks the most specific applicable policy: higher
// priority wins, equal priority picks the longer retention period.
func (e *Engine) selectPolicyLocked(ev *ledger.Event) *Policy {
	var best *Policy
	for _, p := range e.policies {
		if !p.AppliesTo(ev) {
			continue
		}
		if best == nil ||
			p.Priority > best.Priority ||
			(p.Priority == best.Priority && p.RetentionPeriodDays > best.RetentionPeriodDays) {
			best = p
		}
	}
	return best
}

// holdCoveringLocked returns the active hold preserving the event, if any.
func (e *Engine) holdCoveringLocked(eventID string) *LegalHold {
	for _, h := range e.holds {
		if h.Preserves(eventID) {
			return h
		}
	}
	return nil
}

// ApplyRetentionPolicies buckets events by their retention fate as of the
// given instant (zero means now). Held events are exempt from everything
// else regardless of age. Events with no matching policy fall back to the
// HIPAA minimum before archival eligibility and are never auto-deleted.
func (e *Engine) ApplyRetentionPolicies(events []ledger.Event, asOf time.Time) *Decision {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := &Decision{
		ToArchive:   []ledger.Event{},
		ToDelete:    []ledger.Event{},
		ToRetain:    []ledger.Event{},
		OnLegalHold: []ledger.Event{},
	}

	for i := range events {
		ev := events[i]
		if e.holdCoveringLocked(ev.ID) != nil {
			d.OnLegalHold = append(d.OnLegalHold, ev)
			continue
		}

		ageDays := int(asOf.Sub(ev.Timestamp) / (24 * time.Hour))
		p := e.selectPolicyLocked(&ev)
		if p == nil {
			if ageDays >= MinRetentionDays {
				d.ToArchive = append(d.ToArchive, ev)
			} else {
				d.ToRetain = append(d.ToRetain, ev)
			}
			continue
		}

		switch {
		case p.AutoDelete && ageDays >= p.RetentionPeriodDays:
			d.ToDelete = append(d.ToDelete, ev)
		case p.AutoArchive && p.ArchivalPeriodDays > 0 && ageDays >= p.ArchivalPeriodDays:
			d.ToArchive = append(d.ToArchive, ev)
		default:
			d.ToRetain = append(d.ToRetain, ev)
		}
	}
	return d
}

// ── legal holds ──────────────────────────────────────────────────────────────

// CreateLegalHold snapshots every event currently matching the hold's
// criteria into the preserved set and activates the hold.
func (e *Engine) CreateLegalHold(ctx context.Context, hold LegalHold) (*LegalHold, error) {
	matches, err := e.source.Query(hold.SearchCriteria)
	if err != nil {
		return nil, fmt.Errorf("snapshot hold matches: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if hold.ID == "" {
		hold.ID = uuid.NewString()
	}
	hold.Status = HoldActive
	hold.CreatedAt = time.Now().UTC()
	hold.PreservedEvents = make([]string, 0, len(matches))
	for i := range matches {
		hold.PreservedEvents = append(hold.PreservedEvents, matches[i].ID)
	}

	if err := e.store.SaveHold(&hold); err != nil {
		return nil, err
	}
	e.holds[hold.ID] = &hold

	e.logger.Info("legal hold created",
		zap.String("id", hold.ID),
		zap.String("case", hold.CaseReference),
		zap.Int("preserved_events", len(hold.PreservedEvents)),
	)
	return &hold, nil
}

// ReleaseLegalHold transitions an active hold to released and stamps the
// end date. Non-active holds fail with ErrInvalidState.
func (e *Engine) ReleaseLegalHold(id, releasedBy string) (*LegalHold, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.holds[id]
	if !ok {
		return nil, fmt.Errorf("%w: legal hold %s", ErrNotFound, id)
	}
	if h.Status != HoldActive {
		return nil, fmt.Errorf("%w: hold %s is %s", ErrInvalidState, id, h.Status)
	}

	now := time.Now().UTC()
	h.Status = HoldReleased
	h.EndDate = &now
	h.ReleasedBy = releasedBy
	if err := e.store.SaveHold(h); err != nil {
		return nil, err
	}

	e.logger.Info("legal hold released",
		zap.String("id", id),
		zap.String("released_by", releasedBy),
	)
	return h, nil
}

// ReviewHolds expires active holds whose end date has passed. Both released
// and expired are terminal states.
func (e *Engine) ReviewHolds(asOf time.Time) ([]*LegalHold, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []*LegalHold
	for _, h := range e.holds {
		if h.Status != HoldActive || h.EndDate == nil || h.EndDate.After(asOf) {
			continue
		}
		h.Status = HoldExpired
		if err := e.store.SaveHold(h); err != nil {
			return expired, err
		}
		expired = append(expired, h)
		e.logger.Info("legal hold expired", zap.String("id", h.ID))
	}
	return expired, nil
}

// Holds returns all legal holds.
func (e *Engine) Holds() []*LegalHold {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*LegalHold, 0, len(e.holds))
	for _, h := range e.holds {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ── secure disposal ──────────────────────────────────────────────────────────

// verificationHash hashes the sorted set of disposed event hashes, proving
// which records the certificate covers.
func verificationHash(refs []EventRef) string {
	hashes := make([]string, 0, len(refs))
	for _, r := range refs {
		hashes = append(hashes, r.Hash)
	}
	sort.Strings(hashes)
	sum := sha256.Sum256([]byte(strings.Join(hashes, "")))
	return hex.EncodeToString(sum[:])
}

// PerformSecureDisposal destroys the given events by the chosen method and
// issues a write-once disposal certificate. Any held event aborts the whole
// request with a LegalHoldConflictError before anything is destroyed.
func (e *Engine) PerformSecureDisposal(ctx context.Context, events []ledger.Event, method DisposalMethod, witnesses []string) (*DisposalCertificate, error) {
	refs := make([]EventRef, 0, len(events))
	for i := range events {
		refs = append(refs, EventRef{ID: events[i].ID, Hash: events[i].Hash})
	}
	return e.disposeRefs(ctx, refs, method, witnesses)
}

func (e *Engine) disposeRefs(ctx context.Context, refs []EventRef, method DisposalMethod, witnesses []string) (*DisposalCertificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Holds are re-checked here, under the lock, so a hold created between
	// evaluation and execution still blocks the disposal.
	for _, r := range refs {
		if h := e.holdCoveringLocked(r.ID); h != nil {
			return nil, &LegalHoldConflictError{EventID: r.ID, HoldID: h.ID}
		}
	}

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}

	destroyed := false
	switch method {
	case MethodCryptographicErasure:
		if _, err := e.disposer.DisposeCryptographic(ctx, ids); err != nil {
			return nil, fmt.Errorf("cryptographic erasure: %w", err)
		}
		destroyed = true
	case MethodSecureOverwrite:
		if _, err := e.disposer.DisposeOverwrite(ctx, ids, 3); err != nil {
			return nil, fmt.Errorf("secure overwrite: %w", err)
		}
		destroyed = true
	case MethodPhysicalDestruction:
		// Cannot be automated: the certificate records that an operator must
		// destroy the physical media.
		e.logger.Warn("physical destruction requested; operator action required",
			zap.Int("events", len(ids)),
		)
	default:
		return nil, fmt.Errorf("unknown disposal method %q", method)
	}

	// The vault destroys stored containers; the ledger's own log records and
	// any block copies still resident in memory hold the same payloads and
	// must go with them before the certificate is issued.
	if destroyed {
		if _, err := e.source.Redact(ids); err != nil {
			return nil, fmt.Errorf("redact ledger records: %w", err)
		}
		if e.chainRedactor != nil {
			e.chainRedactor.RedactEvents(ids)
		}
	}

	cert := &DisposalCertificate{
		ID:                uuid.NewString(),
		DisposalDate:      time.Now().UTC(),
		Method:            method,
		ResourcesDisposed: ids,
		VerificationHash:  verificationHash(refs),
		WitnessList:       witnesses,
	}
	if err := e.store.SaveCertificate(cert); err != nil {
		return nil, err
	}

	e.logger.Warn("secure disposal certified",
		zap.String("certificate", cert.ID),
		zap.String("method", string(method)),
		zap.Int("events", len(ids)),
	)
	return cert, nil
}

// Certificates returns the disposal certificate log.
func (e *Engine) Certificates() ([]*DisposalCertificate, error) {
	return e.store.LoadCertificates()
}

// CleanupExpired runs the store's age-based cleanup with every event
// preserved by an active legal hold excluded. The hold set is read under the
// engine lock, the same way disposeRefs re-checks membership, so a hold
// created before the pass starts always keeps its files in the live store.
func (e *Engine) CleanupExpired(ctx context.Context, retentionDays int) (*vault.CleanupReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var preserve []string
	for _, h := range e.holds {
		if h.Status != HoldActive {
			continue
		}
		preserve = append(preserve, h.PreservedEvents...)
	}
	return e.disposer.CleanupOldFiles(ctx, retentionDays, preserve)
}

// ── schedules ────────────────────────────────────────────────────────────────

// ScheduleRetentionActions evaluates retention policy over the events and
// records pending schedules for the non-empty archive and delete buckets.
func (e *Engine) ScheduleRetentionActions(events []ledger.Event, when time.Time) ([]*Schedule, error) {
	if when.IsZero() {
		when = time.Now().UTC()
	}
	decision := e.ApplyRetentionPolicies(events, when)

	e.mu.Lock()
	defer e.mu.Unlock()

	var created []*Schedule
	for _, bucket := range []struct {
		action string
		events []ledger.Event
	}{
		{"archive", decision.ToArchive},
		{"delete", decision.ToDelete},
	} {
		if len(bucket.events) == 0 {
			continue
		}
		refs := make([]EventRef, 0, len(bucket.events))
		secure := false
		for i := range bucket.events {
			ev := &bucket.events[i]
			refs = append(refs, EventRef{ID: ev.ID, Hash: ev.Hash})
			if p := e.selectPolicyLocked(ev); p != nil && p.SecureDisposal {
				secure = true
			}
		}
		sc := &Schedule{
			ID:             uuid.NewString(),
			Action:         bucket.action,
			Events:         refs,
			SecureDisposal: secure,
			ScheduledFor:   when,
			Status:         SchedulePending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := e.store.SaveSchedule(sc); err != nil {
			return created, err
		}
		e.schedules[sc.ID] = sc
		created = append(created, sc)
	}

	if len(created) > 0 {
		e.logger.Info("retention actions scheduled", zap.Int("schedules", len(created)))
	}
	return created, nil
}

// ExecuteSchedule runs one pending schedule through its lifecycle. Failures
// mark the schedule failed with a stored error string instead of raising, so
// partially completed lifecycle actions are never lost track of.
func (e *Engine) ExecuteSchedule(ctx context.Context, id string) (*Schedule, error) {
	e.mu.Lock()
	sc, ok := e.schedules[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	if sc.Status != SchedulePending {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: schedule %s is %s", ErrInvalidState, id, sc.Status)
	}
	sc.Status = ScheduleInProgress
	if err := e.store.SaveSchedule(sc); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	runErr := e.runScheduleAction(ctx, sc)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	sc.CompletedAt = &now
	if runErr != nil {
		sc.Status = ScheduleFailed
		sc.Error = runErr.Error()
		e.logger.Error("retention schedule failed",
			zap.String("id", sc.ID),
			zap.String("action", sc.Action),
			zap.Error(runErr),
		)
	} else {
		sc.Status = ScheduleCompleted
		e.logger.Info("retention schedule completed",
			zap.String("id", sc.ID),
			zap.String("action", sc.Action),
			zap.Int("events", len(sc.Events)),
		)
	}
	if err := e.store.SaveSchedule(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// runScheduleAction executes the schedule's action outside the engine lock.
func (e *Engine) runScheduleAction(ctx context.Context, sc *Schedule) error {
	ids := make([]string, 0, len(sc.Events))
	for _, r := range sc.Events {
		ids = append(ids, r.ID)
	}

	switch sc.Action {
	case "archive":
		_, err := e.disposer.ArchiveFilesContaining(ctx, ids)
		return err
	case "delete":
		method := MethodSecureOverwrite
		if !sc.SecureDisposal {
			method = MethodCryptographicErasure
		}
		_, err := e.disposeRefs(ctx, sc.Events, method, []string{"retention-engine"})
		return err
	default:
		return fmt.Errorf("unknown schedule action %q", sc.Action)
	}
}

// Schedules returns all schedules sorted by creation time.
func (e *Engine) Schedules() []*Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Schedule, 0, len(e.schedules))
	for _, sc := range e.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
