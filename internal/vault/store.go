package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
	"go.uber.org/zap"
)

// Subdirectories of the vault data root.
const (
	dirData         = "data"
	dirBackup       = "backup"
	dirMetadata     = "metadata"
	dirArchive      = "archive"
	dirKeys         = "keys"
	dirCertificates = "disposal/certificates"
)

// Resealer rewrites sealed records held outside the store under the
// keystore's current key version. The event ledger satisfies this: its log
// records are sealed through the keystore, so they must move off an old
// version before a rotation sweep finishes or a disposal destroys it.
type Resealer interface {
	Reseal() (int, error)
}

// Store is the encrypted block store. Reads and writes share the store;
// key rotation takes it exclusively. A writer or reader arriving during
// rotation is rejected with ErrRotationInProgress rather than blocking for
// the whole re-encryption sweep.
type Store struct {
	mu       sync.RWMutex
	root     string
	ks       *Keystore
	resealer Resealer
	logger   *zap.Logger
	compress bool
	backups  bool
}

// NewStore creates the vault directory layout under root and returns a
// Store using the given keystore. Compression and backup copies are on by
// default.
func NewStore(root string, ks *Keystore, logger *zap.Logger) (*Store, error) {
	for _, sub := range []string{dirData, dirBackup, dirMetadata, dirArchive, dirCertificates} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create vault dir %s: %w", sub, err)
		}
	}
	return &Store{root: root, ks: ks, logger: logger, compress: true, backups: true}, nil
}

// SetCompression toggles gzip compression for new containers.
func (s *Store) SetCompression(on bool) { s.compress = on }

// SetBackups toggles the backup copy for new containers.
func (s *Store) SetBackups(on bool) { s.backups = on }

// SetResealer registers the holder of externally sealed records, included in
// key rotation sweeps and key destruction.
func (s *Store) SetResealer(r Resealer) { s.resealer = r }

// Keystore exposes the store's keystore for wiring (ledger record sealing,
// signing key distribution).
func (s *Store) Keystore() *Keystore { return s.ks }

func (s *Store) dataPath(name string) string     { return filepath.Join(s.root, dirData, name) }
func (s *Store) backupPath(name string) string   { return filepath.Join(s.root, dirBackup, name) }
func (s *Store) metadataPath(name string) string { return filepath.Join(s.root, dirMetadata, name+".meta") }
func (s *Store) archivePath(name string) string  { return filepath.Join(s.root, dirArchive, name) }

// CertificatesDir is where disposal certificates are persisted.
func (s *Store) CertificatesDir() string { return filepath.Join(s.root, dirCertificates) }

// StoreEvents serializes, encrypts, and persists an event batch. An empty
// filename picks one from the audit naming convention. Returns the filename
// the batch was stored under.
func (s *Store) StoreEvents(ctx context.Context, events []ledger.Event, filename string) (string, error) {
	if !s.mu.TryRLock() {
		return "", ErrRotationInProgress
	}
	defer s.mu.RUnlock()

	if filename == "" {
		now := time.Now().UTC()
		filename = fmt.Sprintf("audit_%s_%s.audit", now.Format("2006-01-02"), now.Format("15-04-05"))
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("serialize events: %w", err)
	}
	if err := s.writeContainer(filename, payload, len(events)); err != nil {
		return "", err
	}

	s.logger.Info("event batch stored",
		zap.String("file", filename),
		zap.Int("events", len(events)),
		zap.Int("key_version", s.ks.CurrentVersion()),
	)
	return filename, nil
}

// RetrieveEvents reads a stored batch back. The container seal is verified
// before decryption; decryption uses the key version recorded in the
// container's metadata, so batches written under older keys stay readable.
func (s *Store) RetrieveEvents(ctx context.Context, filename string) ([]ledger.Event, error) {
	if !s.mu.TryRLock() {
		return nil, ErrRotationInProgress
	}
	defer s.mu.RUnlock()
	return s.retrieveEventsLocked(filename)
}

func (s *Store) retrieveEventsLocked(filename string) ([]ledger.Event, error) {
	payload, _, err := s.readContainer(filename)
	if err != nil {
		return nil, err
	}
	var events []ledger.Event
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("parse stored events: %w", err)
	}
	return events, nil
}

// writeContainer seals a payload under the current key and writes the
// primary copy, the backup copy, and the metadata sidecar.
func (s *Store) writeContainer(filename string, payload []byte, eventCount int) error {
	version := s.ks.CurrentVersion()
	encKey, err := s.ks.EncryptionKey(version)
	if err != nil {
		return err
	}
	macKey, err := s.ks.MACKey(version)
	if err != nil {
		return err
	}

	c, err := sealPayload(encKey, macKey, version, eventCount, payload, s.compress)
	if err != nil {
		return fmt.Errorf("encrypt container: %w", err)
	}
	return s.writeSealedContainer(filename, c)
}

// writeSealedContainer persists an already-sealed container and its sidecar.
func (s *Store) writeSealedContainer(filename string, c *Container) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container: %w", err)
	}
	if err := os.WriteFile(s.dataPath(filename), raw, 0o600); err != nil {
		return fmt.Errorf("write container: %w", err)
	}
	if s.backups {
		if err := os.WriteFile(s.backupPath(filename), raw, 0o600); err != nil {
			return fmt.Errorf("write backup copy: %w", err)
		}
	}

	meta, err := json.MarshalIndent(c.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata sidecar: %w", err)
	}
	if err := os.WriteFile(s.metadataPath(filename), meta, 0o600); err != nil {
		return fmt.Errorf("write metadata sidecar: %w", err)
	}
	return nil
}

// readContainer loads a container, checks its seal, and decrypts the
// payload. Seal mismatch surfaces as *TamperError before any decryption.
func (s *Store) readContainer(filename string) ([]byte, *Container, error) {
	c, err := s.loadContainer(filename)
	if err != nil {
		return nil, nil, err
	}

	macKey, err := s.ks.MACKey(c.Metadata.KeyVersion)
	if err != nil {
		return nil, nil, err
	}
	ok, err := verifySeal(macKey, c)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &TamperError{File: filename, Detail: "container signature mismatch"}
	}

	encKey, err := s.ks.EncryptionKey(c.Metadata.KeyVersion)
	if err != nil {
		return nil, nil, err
	}
	payload, err := openPayload(encKey, c)
	if err != nil {
		return nil, nil, fmt.Errorf("open container %s: %w", filename, err)
	}
	return payload, c, nil
}

func (s *Store) loadContainer(filename string) (*Container, error) {
	raw, err := os.ReadFile(s.dataPath(filename))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("read container: %w", err)
	}
	var c Container
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse container %s: %w", filename, err)
	}
	return &c, nil
}

// FileReport aggregates the independent integrity checks for one file.
type FileReport struct {
	File          string   `json:"file"`
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors"`
	BackupChecked bool     `json:"backup_checked"`
}

// VerifyFileIntegrity independently checks the container seal, decryption
// and checksum, and byte-identity of the backup copy. Findings are
// aggregated into the report; only operational failures return an error.
func (s *Store) VerifyFileIntegrity(ctx context.Context, filename string) (*FileReport, error) {
	if !s.mu.TryRLock() {
		return nil, ErrRotationInProgress
	}
	defer s.mu.RUnlock()

	report := &FileReport{File: filename, Errors: []string{}}

	c, err := s.loadContainer(filename)
	if err != nil {
		return nil, err
	}

	macKey, err := s.ks.MACKey(c.Metadata.KeyVersion)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else if ok, serr := verifySeal(macKey, c); serr != nil {
		return nil, serr
	} else if !ok {
		report.Errors = append(report.Errors, "container signature mismatch")
	}

	encKey, err := s.ks.EncryptionKey(c.Metadata.KeyVersion)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else if buf, derr := decryptPayload(encKey, c); derr != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("decryption failed: %v", derr))
	} else if payloadChecksum(buf) != c.Metadata.Checksum {
		report.Errors = append(report.Errors, "checksum mismatch after decryption")
	}

	primary, err := os.ReadFile(s.dataPath(filename))
	if err != nil {
		return nil, fmt.Errorf("read container: %w", err)
	}
	if backup, err := os.ReadFile(s.backupPath(filename)); err == nil {
		report.BackupChecked = true
		if !bytes.Equal(primary, backup) {
			report.Errors = append(report.Errors, "backup copy differs from primary")
		}
	}

	report.Valid = len(report.Errors) == 0
	return report, nil
}

// ListFiles returns the names of all stored containers, sorted.
func (s *Store) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirData))
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names, nil
}

// FileMetadata reads a file's metadata sidecar.
func (s *Store) FileMetadata(filename string) (*StorageMetadata, error) {
	raw, err := os.ReadFile(s.metadataPath(filename))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata sidecar: %w", err)
	}
	var meta StorageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata sidecar: %w", err)
	}
	return &meta, nil
}

// RotationReport summarises one key rotation sweep.
type RotationReport struct {
	NewVersion  int      `json:"new_version"`
	Reencrypted []string `json:"reencrypted"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RotateEncryptionKey generates a new key version and re-encrypts every file
// written under an older one. The store is held exclusively for the whole
// sweep; concurrent reads and writes fail with ErrRotationInProgress.
func (s *Store) RotateEncryptionKey(ctx context.Context) (*RotationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &RotationReport{StartedAt: time.Now().UTC()}

	newVersion, err := s.ks.Rotate()
	if err != nil {
		return nil, err
	}
	report.NewVersion = newVersion

	files, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("rotation aborted: %w", err)
		}
		reencrypted, err := s.reencryptLocked(name, newVersion)
		if err != nil {
			return nil, fmt.Errorf("re-encrypt %s: %w", name, err)
		}
		if reencrypted {
			report.Reencrypted = append(report.Reencrypted, name)
		}
	}

	// Ledger log records are sealed through the keystore too; the sweep is
	// not complete until they are on the new version.
	if s.resealer != nil {
		if _, err := s.resealer.Reseal(); err != nil {
			return nil, fmt.Errorf("re-seal ledger records: %w", err)
		}
	}

	report.FinishedAt = time.Now().UTC()
	s.logger.Info("key rotation complete",
		zap.Int("version", newVersion),
		zap.Int("reencrypted", len(report.Reencrypted)),
	)
	return report, nil
}

// reencryptLocked rewrites one container under the target key version,
// preserving creation time, event count, and compression choice.
func (s *Store) reencryptLocked(filename string, targetVersion int) (bool, error) {
	payload, old, err := s.readContainer(filename)
	if err != nil {
		return false, err
	}
	if old.Metadata.KeyVersion >= targetVersion {
		return false, nil
	}

	encKey, err := s.ks.EncryptionKey(targetVersion)
	if err != nil {
		return false, err
	}
	macKey, err := s.ks.MACKey(targetVersion)
	if err != nil {
		return false, err
	}

	c, err := sealPayload(encKey, macKey, targetVersion, old.Metadata.EventCount, payload, old.Metadata.CompressionAlgorithm == compressionGzip)
	if err != nil {
		return false, fmt.Errorf("encrypt container: %w", err)
	}
	c.Metadata.CreatedAt = old.Metadata.CreatedAt
	c.Metadata.LastModified = time.Now().UTC()
	// CreatedAt changed after sealing, so the seal must be recomputed.
	sig, err := containerSignature(macKey, c)
	if err != nil {
		return false, err
	}
	c.Signature = sig

	if err := s.writeSealedContainer(filename, c); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupReport lists the files archived and deleted by one cleanup pass.
type CleanupReport struct {
	Archived []string `json:"archived"`
	Deleted  []string `json:"deleted"`
}

// CleanupOldFiles archives then deletes files created before the retention
// cutoff. Files still containing an event in the preserve set are skipped,
// so active legal holds keep their records in the live store regardless of
// age; the retention engine supplies that set.
func (s *Store) CleanupOldFiles(ctx context.Context, retentionDays int, preserve []string) (*CleanupReport, error) {
	if !s.mu.TryRLock() {
		return nil, ErrRotationInProgress
	}
	defer s.mu.RUnlock()

	preserved := make(map[string]struct{}, len(preserve))
	for _, id := range preserve {
		preserved[id] = struct{}{}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	report := &CleanupReport{Archived: []string{}, Deleted: []string{}}

	files, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("cleanup aborted: %w", err)
		}
		meta, err := s.FileMetadata(name)
		if err != nil {
			s.logger.Warn("cleanup: unreadable sidecar, skipping", zap.String("file", name), zap.Error(err))
			continue
		}
		if !meta.CreatedAt.Before(cutoff) {
			continue
		}
		if len(preserved) > 0 {
			held, err := s.containsPreservedLocked(name, preserved)
			if err != nil {
				return report, fmt.Errorf("inspect %s for held events: %w", name, err)
			}
			if held {
				s.logger.Info("cleanup: file preserved by legal hold", zap.String("file", name))
				continue
			}
		}

		raw, err := os.ReadFile(s.dataPath(name))
		if err != nil {
			return report, fmt.Errorf("read container for archive: %w", err)
		}
		if err := os.WriteFile(s.archivePath(name), raw, 0o600); err != nil {
			return report, fmt.Errorf("archive %s: %w", name, err)
		}
		report.Archived = append(report.Archived, name)

		if err := s.removeFileLocked(name); err != nil {
			return report, err
		}
		report.Deleted = append(report.Deleted, name)
	}

	s.logger.Info("cleanup pass complete",
		zap.Int("archived", len(report.Archived)),
		zap.Int("deleted", len(report.Deleted)),
	)
	return report, nil
}

// removeFileLocked deletes a container's primary, backup, and sidecar.
func (s *Store) removeFileLocked(name string) error {
	if err := os.Remove(s.dataPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	if err := os.Remove(s.backupPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup: %w", err)
	}
	if err := os.Remove(s.metadataPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sidecar: %w", err)
	}
	return nil
}

// containsPreservedLocked reports whether a stored container holds any event
// in the preserved set. Both batch containers and chain block containers
// carry events.
func (s *Store) containsPreservedLocked(name string, preserved map[string]struct{}) (bool, error) {
	events, err := s.containerEventsLocked(name)
	if err != nil {
		return false, err
	}
	for i := range events {
		if _, ok := preserved[events[i].ID]; ok {
			return true, nil
		}
	}
	return false, nil
}

// isAuditFile filters container names produced by StoreEvents as opposed to
// chain block containers.
func isAuditFile(name string) bool {
	return strings.HasSuffix(name, ".audit")
}

// isBlockFile filters chain block containers written by SaveBlock.
func isBlockFile(name string) bool {
	return strings.HasSuffix(name, ".block")
}
