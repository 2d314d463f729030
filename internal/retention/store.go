package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Subdirectories of the retention state root.
const (
	dirPolicies  = "policies"
	dirSchedules = "schedules"
	dirHolds     = "legal_holds"
)

// StateStore persists retention state as JSON files: one file per policy,
// schedule, and legal hold, plus write-once disposal certificates.
type StateStore struct {
	root     string
	certsDir string
}

// NewStateStore creates the retention state layout under root. Certificates
// live in certsDir, typically the vault's disposal/certificates directory.
func NewStateStore(root, certsDir string) (*StateStore, error) {
	for _, sub := range []string{dirPolicies, dirSchedules, dirHolds} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create retention dir %s: %w", sub, err)
		}
	}
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificates dir: %w", err)
	}
	return &StateStore{root: root, certsDir: certsDir}, nil
}

func (s *StateStore) writeJSON(dir, id string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", dir, id, err)
	}
	path := filepath.Join(s.root, dir, id+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write %s/%s: %w", dir, id, err)
	}
	return nil
}

func (s *StateStore) readAll(dir string, decode func([]byte) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read retention dir %s: %w", dir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, dir, ent.Name()))
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", dir, ent.Name(), err)
		}
		if err := decode(raw); err != nil {
			return fmt.Errorf("parse %s/%s: %w", dir, ent.Name(), err)
		}
	}
	return nil
}

// SavePolicy persists one policy.
func (s *StateStore) SavePolicy(p *Policy) error { return s.writeJSON(dirPolicies, p.ID, p) }

// SaveHold persists one legal hold.
func (s *StateStore) SaveHold(h *LegalHold) error { return s.writeJSON(dirHolds, h.ID, h) }

// SaveSchedule persists one schedule.
func (s *StateStore) SaveSchedule(sc *Schedule) error { return s.writeJSON(dirSchedules, sc.ID, sc) }

// LoadPolicies reads every persisted policy.
func (s *StateStore) LoadPolicies() ([]*Policy, error) {
	var out []*Policy
	err := s.readAll(dirPolicies, func(raw []byte) error {
		var p Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// LoadHolds reads every persisted legal hold.
func (s *StateStore) LoadHolds() ([]*LegalHold, error) {
	var out []*LegalHold
	err := s.readAll(dirHolds, func(raw []byte) error {
		var h LegalHold
		if err := json.Unmarshal(raw, &h); err != nil {
			return err
		}
		out = append(out, &h)
		return nil
	})
	return out, err
}

// LoadSchedules reads every persisted schedule.
func (s *StateStore) LoadSchedules() ([]*Schedule, error) {
	var out []*Schedule
	err := s.readAll(dirSchedules, func(raw []byte) error {
		var sc Schedule
		if err := json.Unmarshal(raw, &sc); err != nil {
			return err
		}
		out = append(out, &sc)
		return nil
	})
	return out, err
}

// SaveCertificate appends a certificate to the immutable certificate log.
// The file is created exclusively and made read-only; an existing
// certificate is never mutated.
func (s *StateStore) SaveCertificate(c *DisposalCertificate) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal certificate %s: %w", c.ID, err)
	}
	path := filepath.Join(s.certsDir, c.ID+".json")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o400)
	if err != nil {
		return fmt.Errorf("create certificate %s: %w", c.ID, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write certificate %s: %w", c.ID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close certificate %s: %w", c.ID, err)
	}
	return nil
}

// LoadCertificates reads the certificate log.
func (s *StateStore) LoadCertificates() ([]*DisposalCertificate, error) {
	entries, err := os.ReadDir(s.certsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read certificates dir: %w", err)
	}
	var out []*DisposalCertificate
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.certsDir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("read certificate %s: %w", ent.Name(), err)
		}
		var c DisposalCertificate
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse certificate %s: %w", ent.Name(), err)
		}
		out = append(out, &c)
	}
	return out, nil
}
