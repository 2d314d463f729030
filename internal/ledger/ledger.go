// Package ledger implements the hash-chained audit event ledger.
//
// Every PHI access, crisis interaction, and security decision is recorded as
// an Event whose keyed hash covers the previous event's hash. Events are
// persisted to append-only encrypted log files keyed by date, and handed to
// the chain verifier in batches for block sealing.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogFileExt is the extension of the append-only audit log files.
const LogFileExt = ".audit"

// defaultResidentLimit caps the number of events kept in memory for fast
// queries; older events are paged back in from the log files on demand.
const defaultResidentLimit = 10000

// RecordSealer encrypts and decrypts individual log records. The vault
// keystore satisfies this interface; records are sealed under the current
// key version so the on-disk log is never plaintext.
type RecordSealer interface {
	SealRecord(plaintext []byte) ([]byte, error)
	OpenRecord(sealed []byte) ([]byte, error)
}

// Mirror is an optional durable copy of every appended event. The Postgres
// mirror satisfies this interface; it also serves chain-cursor recovery
// after a restart.
type Mirror interface {
	Insert(ctx context.Context, e *Event) error
	LastHash(ctx context.Context) (string, error)
}

// Ledger is the single-writer audit event ledger. All appends are serialised
// behind a mutex because each event's hash depends on the previous one.
type Ledger struct {
	mu            sync.Mutex
	signingKey    []byte
	sealer        RecordSealer
	mirror        Mirror
	logger        *zap.Logger
	dir           string
	file          *os.File
	fileDate      string
	lastHash      string
	opened        bool
	resident      []Event
	staged        []Event
	residentLimit int
}

// New creates a Ledger that persists sealed records under dir. The ledger is
// unusable until Open restores the previous-hash cursor.
func New(signingKey []byte, dir string, sealer RecordSealer, logger *zap.Logger) *Ledger {
	return &Ledger{
		signingKey:    signingKey,
		sealer:        sealer,
		logger:        logger,
		dir:           dir,
		residentLimit: defaultResidentLimit,
	}
}

// SetMirror configures an optional durable event mirror.
func (l *Ledger) SetMirror(m Mirror) { l.mirror = m }

// SetResidentLimit overrides the in-memory event window size.
func (l *Ledger) SetResidentLimit(n int) {
	if n > 0 {
		l.residentLimit = n
	}
}

// Open restores the previous-hash cursor from durable storage and opens the
// current log file. The cursor comes from the mirror when configured,
// otherwise from the newest on-disk log file; an empty store yields the
// empty-string genesis sentinel.
func (l *Ledger) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opened {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	if l.mirror != nil {
		hash, err := l.mirror.LastHash(ctx)
		if err != nil {
			return fmt.Errorf("restore cursor from mirror: %w", err)
		}
		l.lastHash = hash
	} else {
		hash, err := l.scanTailHash()
		if err != nil {
			return fmt.Errorf("restore cursor from log files: %w", err)
		}
		l.lastHash = hash
	}

	if err := l.rollFileLocked(time.Now().UTC()); err != nil {
		return err
	}

	l.opened = true
	l.logger.Info("ledger opened",
		zap.String("dir", l.dir),
		zap.String("tip", l.lastHash),
	)
	return nil
}

// Close flushes and closes the current log file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = false
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append records a new audit event chained to the previous one. The event's
// ID and timestamp are filled in when zero. Returns ErrChainNotInitialized
// before Open has restored the cursor.
func (l *Ledger) Append(ctx context.Context, e Event) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opened {
		return nil, ErrChainNotInitialized
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	e.PrevHash = l.lastHash
	e.Hash = ComputeHash(l.signingKey, &e)

	if err := l.writeRecordLocked(&e); err != nil {
		return nil, err
	}
	if l.mirror != nil {
		if err := l.mirror.Insert(ctx, &e); err != nil {
			return nil, fmt.Errorf("mirror event: %w", err)
		}
	}

	l.lastHash = e.Hash
	l.resident = append(l.resident, e)
	if len(l.resident) > l.residentLimit {
		l.resident = l.resident[len(l.resident)-l.residentLimit:]
	}
	l.staged = append(l.staged, e)

	l.logger.Debug("event appended",
		zap.String("id", e.ID),
		zap.String("action", e.Action),
		zap.Bool("phi", e.PHIInvolved),
	)
	return &e, nil
}

// TakeBatch returns the events appended since the last call and clears the
// staging buffer. The chain verifier consumes these batches.
func (l *Ledger) TakeBatch() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.staged
	l.staged = nil
	return batch
}

// Restage returns a drained batch to the front of the staging buffer. A
// caller whose seal attempt fails must restage the batch, otherwise those
// events never make it into a block.
func (l *Ledger) Restage(batch []Event) {
	if len(batch) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged = append(append([]Event(nil), batch...), l.staged...)
}

// VerifyEvents checks the hash chain over the given ordered events using
// this ledger's signing key.
func (l *Ledger) VerifyEvents(events []Event) error {
	return VerifyChain(l.signingKey, events)
}

// LastHash returns the current chain tip.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// writeRecordLocked seals the event and appends it as one line to the
// current day's log file, rolling to a new file at day boundaries.
func (l *Ledger) writeRecordLocked(e *Event) error {
	now := e.Timestamp
	if day := now.Format("2006-01-02"); day != l.fileDate {
		if err := l.rollFileLocked(now); err != nil {
			return err
		}
	}

	plain, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	sealed, err := l.sealer.SealRecord(plain)
	if err != nil {
		return fmt.Errorf("seal event record: %w", err)
	}
	if _, err := l.file.Write(append(sealed, '\n')); err != nil {
		return fmt.Errorf("write event record: %w", err)
	}
	return nil
}

// rollFileLocked opens a fresh log file named after the roll instant:
// audit_{date}_{time-with-dashes}.audit.
func (l *Ledger) rollFileLocked(now time.Time) error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	name := fmt.Sprintf("audit_%s_%s%s", now.Format("2006-01-02"), now.Format("15-04-05"), LogFileExt)
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	l.file = f
	l.fileDate = now.Format("2006-01-02")
	return nil
}

// scanTailHash reads the last record of the newest log file to recover the
// chain tip. Returns the empty-string sentinel when no log files exist.
func (l *Ledger) scanTailHash() (string, error) {
	files, err := l.logFiles()
	if err != nil || len(files) == 0 {
		return "", err
	}
	events, err := l.readFile(files[len(files)-1])
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].Hash, nil
}

// logFiles lists the ledger's log files sorted by name; the filename
// convention makes lexical order chronological.
func (l *Ledger) logFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	var files []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), LogFileExt) {
			continue
		}
		files = append(files, filepath.Join(l.dir, ent.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// readFile opens one sealed log file and parses every record.
func (l *Ledger) readFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		plain, err := l.sealer.OpenRecord(line)
		if err != nil {
			return nil, fmt.Errorf("unseal record in %s: %w", filepath.Base(path), err)
		}
		var e Event
		if err := json.Unmarshal(plain, &e); err != nil {
			return nil, fmt.Errorf("parse record in %s: %w", filepath.Base(path), err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return events, nil
}

// Redact destroys the payload of the given events in every log file and in
// the in-memory windows, keeping their hashes so the chain stays linked.
// Affected files are rewritten with every record re-sealed. Returns how many
// records were redacted.
func (l *Ledger) Redact(eventIDs []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	targets := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		targets[id] = struct{}{}
	}

	files, err := l.logFiles()
	if err != nil {
		return 0, err
	}
	redacted := 0
	for _, path := range files {
		events, err := l.readFile(path)
		if err != nil {
			return redacted, err
		}
		changed := false
		for i := range events {
			if _, ok := targets[events[i].ID]; ok && !events[i].Redacted {
				Redact(&events[i])
				changed = true
				redacted++
			}
		}
		if !changed {
			continue
		}
		if err := l.rewriteFileLocked(path, events); err != nil {
			return redacted, err
		}
	}

	for i := range l.resident {
		if _, ok := targets[l.resident[i].ID]; ok {
			Redact(&l.resident[i])
		}
	}
	for i := range l.staged {
		if _, ok := targets[l.staged[i].ID]; ok {
			Redact(&l.staged[i])
		}
	}

	if redacted > 0 {
		l.logger.Warn("ledger records redacted", zap.Int("records", redacted))
	}
	return redacted, nil
}

// Reseal rewrites every log file so each record is sealed under the sealer's
// current key version. The vault calls this between rotating in a new key
// and destroying old versions, so records sealed under a doomed version are
// never lost with it.
func (l *Ledger) Reseal() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.logFiles()
	if err != nil {
		return 0, err
	}
	resealed := 0
	for _, path := range files {
		events, err := l.readFile(path)
		if err != nil {
			return resealed, err
		}
		if len(events) == 0 {
			continue
		}
		if err := l.rewriteFileLocked(path, events); err != nil {
			return resealed, err
		}
		resealed += len(events)
	}

	l.logger.Info("ledger records resealed", zap.Int("records", resealed))
	return resealed, nil
}

// rewriteFileLocked atomically replaces one log file with freshly sealed
// records, reopening it for appends if it was the active file.
func (l *Ledger) rewriteFileLocked(path string, events []Event) error {
	active := l.file != nil && l.file.Name() == path
	if active {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("close active log file: %w", err)
		}
		l.file = nil
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open rewrite file: %w", err)
	}
	for i := range events {
		plain, err := json.Marshal(&events[i])
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal event: %w", err)
		}
		sealed, err := l.sealer.SealRecord(plain)
		if err != nil {
			f.Close()
			return fmt.Errorf("seal event record: %w", err)
		}
		if _, err := f.Write(append(sealed, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write event record: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync rewrite file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close rewrite file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace log file: %w", err)
	}

	if active {
		reopened, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("reopen log file: %w", err)
		}
		l.file = reopened
	}
	return nil
}

// loadAll reads every persisted event in chronological order.
func (l *Ledger) loadAll() ([]Event, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}
	var all []Event
	for _, path := range files {
		events, err := l.readFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}
