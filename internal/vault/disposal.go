package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/havenhealth/auditvault/internal/chain"
	"github.com/havenhealth/auditvault/internal/ledger"
	"go.uber.org/zap"
)

// DisposalImpact reports what a disposal operation touched.
type DisposalImpact struct {
	Files                []string `json:"files"`
	BlocksRewritten      []string `json:"blocks_rewritten,omitempty"`
	KeyVersionsDestroyed []int    `json:"key_versions_destroyed,omitempty"`
	OverwritePasses      int      `json:"overwrite_passes,omitempty"`
	SurvivorsRehomed     int      `json:"survivors_rehomed"`
	RecordsResealed      int      `json:"records_resealed,omitempty"`
}

// filesContainingLocked maps stored audit files to the disposal-target
// events they contain, and collects the co-stored events that must survive.
func (s *Store) filesContainingLocked(eventIDs []string) (affected []string, survivors map[string][]ledger.Event, err error) {
	targets := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		targets[id] = struct{}{}
	}

	files, err := s.ListFiles()
	if err != nil {
		return nil, nil, err
	}
	survivors = make(map[string][]ledger.Event)

	for _, name := range files {
		if !isAuditFile(name) {
			continue
		}
		events, err := s.retrieveEventsLocked(name)
		if err != nil {
			return nil, nil, fmt.Errorf("inspect %s: %w", name, err)
		}
		hit := false
		var keep []ledger.Event
		for i := range events {
			if _, ok := targets[events[i].ID]; ok {
				hit = true
			} else {
				keep = append(keep, events[i])
			}
		}
		if hit {
			affected = append(affected, name)
			if len(keep) > 0 {
				survivors[name] = keep
			}
		}
	}
	return affected, survivors, nil
}

// rehomeSurvivorsLocked re-stores events that share a file with disposal
// targets into fresh containers under the current key, so destroying the
// original file or its key cannot take innocent records with it.
func (s *Store) rehomeSurvivorsLocked(survivors map[string][]ledger.Event) (int, error) {
	n := 0
	for original, events := range survivors {
		name := fmt.Sprintf("rehomed_%s_%s", time.Now().UTC().Format("20060102150405.000000000"), original)
		payload, err := jsonMarshalEvents(events)
		if err != nil {
			return n, err
		}
		if err := s.writeContainer(name, payload, len(events)); err != nil {
			return n, fmt.Errorf("rehome survivors of %s: %w", original, err)
		}
		n += len(events)
	}
	return n, nil
}

// redactBlocksLocked rewrites every chain block container holding a target
// event with that event's payload destroyed. The block's hashes and Merkle
// root are untouched: they cover the stored event hashes, which redaction
// keeps, so the rewritten block still verifies. With passes > 0 the old
// container bytes are overwritten before the rewrite. Also returns the key
// versions the rewritten containers were previously sealed under, so
// cryptographic erasure can retire them.
func (s *Store) redactBlocksLocked(eventIDs []string, passes int) ([]string, []int, error) {
	targets := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		targets[id] = struct{}{}
	}

	files, err := s.ListFiles()
	if err != nil {
		return nil, nil, err
	}
	var rewritten []string
	var priorVersions []int
	for _, name := range files {
		if !isBlockFile(name) {
			continue
		}
		payload, c, err := s.readContainer(name)
		if err != nil {
			return rewritten, priorVersions, fmt.Errorf("inspect %s: %w", name, err)
		}
		var b chain.Block
		if err := json.Unmarshal(payload, &b); err != nil {
			return rewritten, priorVersions, fmt.Errorf("parse block container %s: %w", name, err)
		}
		hit := false
		for i := range b.Events {
			if _, ok := targets[b.Events[i].ID]; ok && !b.Events[i].Redacted {
				ledger.Redact(&b.Events[i])
				hit = true
			}
		}
		if !hit {
			continue
		}
		out, err := json.Marshal(&b)
		if err != nil {
			return rewritten, priorVersions, fmt.Errorf("serialize redacted block %d: %w", b.Index, err)
		}
		if passes > 0 {
			for _, path := range []string{s.dataPath(name), s.backupPath(name)} {
				if err := overwriteFile(path, passes); err != nil {
					return rewritten, priorVersions, err
				}
			}
		}
		if err := s.writeContainer(name, out, len(b.Events)); err != nil {
			return rewritten, priorVersions, fmt.Errorf("rewrite block container %s: %w", name, err)
		}
		rewritten = append(rewritten, name)
		priorVersions = append(priorVersions, c.Metadata.KeyVersion)
	}
	return rewritten, priorVersions, nil
}

// DisposeCryptographic performs cryptographic erasure: survivors are
// re-stored under the current key, block containers holding targets are
// rewritten with those payloads destroyed, affected files are re-keyed away
// from by a rotation, and every key version that covered them is destroyed.
// The target ciphertext remains on disk but is unrecoverable. Ledger log
// records are re-sealed onto the new version before the old ones die, so
// only the redacted targets are lost.
func (s *Store) DisposeCryptographic(ctx context.Context, eventIDs []string) (*DisposalImpact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected, survivors, err := s.filesContainingLocked(eventIDs)
	if err != nil {
		return nil, err
	}

	// Collect the key versions covering the affected batch files before the
	// block rewrite and the rotation change anything.
	doomed := make(map[int]struct{})
	for _, name := range affected {
		meta, err := s.FileMetadata(name)
		if err != nil {
			return nil, err
		}
		doomed[meta.KeyVersion] = struct{}{}
	}

	blocks, blockVersions, err := s.redactBlocksLocked(eventIDs, 0)
	if err != nil {
		return nil, err
	}
	for _, v := range blockVersions {
		doomed[v] = struct{}{}
	}

	impact := &DisposalImpact{Files: affected, BlocksRewritten: blocks}
	if len(affected) == 0 && len(blocks) == 0 {
		return impact, nil
	}

	rehomed, err := s.rehomeSurvivorsLocked(survivors)
	if err != nil {
		return nil, err
	}
	impact.SurvivorsRehomed = rehomed

	newVersion, err := s.ks.Rotate()
	if err != nil {
		return nil, err
	}

	// Move every non-target file off the doomed versions.
	files, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	targetSet := make(map[string]struct{}, len(affected))
	for _, name := range affected {
		targetSet[name] = struct{}{}
	}
	for _, name := range files {
		if _, isTarget := targetSet[name]; isTarget {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("disposal aborted: %w", err)
		}
		if _, err := s.reencryptLocked(name, newVersion); err != nil {
			return nil, fmt.Errorf("re-encrypt %s before key destruction: %w", name, err)
		}
	}

	// Ledger log records are sealed through the keystore and may sit on a
	// doomed version; they must be re-sealed before that version dies, or
	// destroying the targets would take every innocent record with them.
	if s.resealer != nil {
		resealed, err := s.resealer.Reseal()
		if err != nil {
			return nil, fmt.Errorf("re-seal ledger records before key destruction: %w", err)
		}
		impact.RecordsResealed = resealed
	}

	for version := range doomed {
		if version == newVersion {
			continue
		}
		if err := s.ks.DestroyVersion(version); err != nil {
			return nil, err
		}
		impact.KeyVersionsDestroyed = append(impact.KeyVersionsDestroyed, version)
	}

	s.logger.Warn("cryptographic erasure complete",
		zap.Strings("files", affected),
		zap.Ints("destroyed_key_versions", impact.KeyVersionsDestroyed),
	)
	return impact, nil
}

// DisposeOverwrite performs secure-overwrite disposal: survivors are
// re-stored, block containers holding targets are overwritten and rewritten
// with those payloads destroyed, then each affected batch container and its
// backup are overwritten with random bytes for the given number of passes
// (minimum 3) and removed.
func (s *Store) DisposeOverwrite(ctx context.Context, eventIDs []string, passes int) (*DisposalImpact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if passes < 3 {
		passes = 3
	}

	affected, survivors, err := s.filesContainingLocked(eventIDs)
	if err != nil {
		return nil, err
	}
	blocks, _, err := s.redactBlocksLocked(eventIDs, passes)
	if err != nil {
		return nil, err
	}
	impact := &DisposalImpact{Files: affected, BlocksRewritten: blocks, OverwritePasses: passes}
	if len(affected) == 0 && len(blocks) == 0 {
		return impact, nil
	}

	rehomed, err := s.rehomeSurvivorsLocked(survivors)
	if err != nil {
		return nil, err
	}
	impact.SurvivorsRehomed = rehomed

	for _, name := range affected {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("disposal aborted: %w", err)
		}
		for _, path := range []string{s.dataPath(name), s.backupPath(name)} {
			if err := overwriteFile(path, passes); err != nil {
				return nil, err
			}
		}
		if err := s.removeFileLocked(name); err != nil {
			return nil, err
		}
	}

	s.logger.Warn("secure overwrite complete",
		zap.Strings("files", affected),
		zap.Int("passes", passes),
	)
	return impact, nil
}

// ArchiveFilesContaining moves the containers holding the given events into
// the archive directory, removing them from the active data and backup
// paths. Metadata sidecars are kept so archived containers stay verifiable.
func (s *Store) ArchiveFilesContaining(ctx context.Context, eventIDs []string) ([]string, error) {
	if !s.mu.TryRLock() {
		return nil, ErrRotationInProgress
	}
	defer s.mu.RUnlock()

	affected, _, err := s.filesContainingLocked(eventIDs)
	if err != nil {
		return nil, err
	}
	for _, name := range affected {
		raw, err := os.ReadFile(s.dataPath(name))
		if err != nil {
			return nil, fmt.Errorf("read container for archive: %w", err)
		}
		if err := os.WriteFile(s.archivePath(name), raw, 0o600); err != nil {
			return nil, fmt.Errorf("archive %s: %w", name, err)
		}
		if err := os.Remove(s.dataPath(name)); err != nil {
			return nil, fmt.Errorf("remove archived container: %w", err)
		}
		if err := os.Remove(s.backupPath(name)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove archived backup: %w", err)
		}
	}
	return affected, nil
}

// overwriteFile rewrites a file with random bytes, syncing after each pass.
func overwriteFile(path string, passes int) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat for overwrite: %w", err)
	}

	junk := make([]byte, info.Size())
	for pass := 0; pass < passes; pass++ {
		if _, err := rand.Read(junk); err != nil {
			return fmt.Errorf("generate overwrite bytes: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open for overwrite: %w", err)
		}
		if _, err := f.Write(junk); err != nil {
			f.Close()
			return fmt.Errorf("overwrite pass %d: %w", pass+1, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync overwrite pass %d: %w", pass+1, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close after overwrite: %w", err)
		}
	}
	return nil
}

// jsonMarshalEvents keeps the survivor-rehoming path symmetric with
// StoreEvents serialization.
func jsonMarshalEvents(events []ledger.Event) ([]byte, error) {
	payload, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("serialize events: %w", err)
	}
	return payload, nil
}
