// Package vault implements the encrypted block store: authenticated
// encryption of serialized event batches and chain blocks, key versioning
// and rotation, primary+backup copies, and integrity verification on read.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32

	// HKDF info labels separating the subkeys derived from one master key.
	infoEncrypt      = "auditvault/encrypt"
	infoContainerMAC = "auditvault/container-mac"
)

// KeyStatus is the lifecycle state of one key version.
type KeyStatus string

const (
	KeyActive    KeyStatus = "active"
	KeyRetired   KeyStatus = "retired"
	KeyDestroyed KeyStatus = "destroyed"
)

// KeyMeta is the sidecar metadata persisted for each key version.
type KeyMeta struct {
	Version   int       `json:"version"`
	Status    KeyStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// keystoreVersion is the contents of keys/version.json.
type keystoreVersion struct {
	Current   int       `json:"current"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Keystore manages versioned master keys under a keys/ directory. Encryption
// and MAC subkeys are derived per version via HKDF-SHA256; the chain signing
// key is separate and never rotated, so old event hashes stay verifiable.
type Keystore struct {
	mu      sync.RWMutex
	dir     string
	logger  *zap.Logger
	current int
	masters map[int][]byte
	signing []byte
}

// OpenKeystore loads the keys directory, creating version 1 and the signing
// key on first use.
func OpenKeystore(dir string, logger *zap.Logger) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	k := &Keystore{dir: dir, logger: logger, masters: make(map[int][]byte)}

	if err := k.loadOrInitVersion(); err != nil {
		return nil, err
	}
	if err := k.loadMasters(); err != nil {
		return nil, err
	}
	if err := k.loadOrCreateSigning(); err != nil {
		return nil, err
	}

	logger.Info("keystore ready",
		zap.String("dir", dir),
		zap.Int("current_version", k.current),
		zap.Int("loaded_versions", len(k.masters)),
	)
	return k, nil
}

func (k *Keystore) loadOrInitVersion() error {
	raw, err := os.ReadFile(filepath.Join(k.dir, "version.json"))
	if os.IsNotExist(err) {
		if _, err := k.createVersion(1); err != nil {
			return err
		}
		return k.setCurrent(1)
	}
	if err != nil {
		return fmt.Errorf("read version.json: %w", err)
	}
	var v keystoreVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse version.json: %w", err)
	}
	k.current = v.Current
	return nil
}

func (k *Keystore) loadMasters() error {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return fmt.Errorf("read keys dir: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "key_v") || !strings.HasSuffix(name, ".key") {
			continue
		}
		ver, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "key_v"), ".key"))
		if err != nil {
			continue
		}
		master, err := k.readKeyFile(name)
		if err != nil {
			return err
		}
		k.masters[ver] = master
	}
	if _, ok := k.masters[k.current]; !ok {
		return fmt.Errorf("current key version %d missing from %s", k.current, k.dir)
	}
	return nil
}

func (k *Keystore) loadOrCreateSigning() error {
	path := filepath.Join(k.dir, "signing.key")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key := make([]byte, masterKeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
			return fmt.Errorf("write signing key: %w", err)
		}
		k.signing = key
		return nil
	}
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("decode signing key: %w", err)
	}
	k.signing = key
	return nil
}

func (k *Keystore) readKeyFile(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(k.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return key, nil
}

// createVersion generates and persists a fresh master key under the given
// version number.
func (k *Keystore) createVersion(version int) ([]byte, error) {
	master := make([]byte, masterKeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generate key v%d: %w", version, err)
	}
	keyPath := filepath.Join(k.dir, fmt.Sprintf("key_v%d.key", version))
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(master)), 0o600); err != nil {
		return nil, fmt.Errorf("write key v%d: %w", version, err)
	}
	meta := KeyMeta{Version: version, Status: KeyActive, CreatedAt: time.Now().UTC()}
	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal key meta: %w", err)
	}
	metaPath := filepath.Join(k.dir, fmt.Sprintf("key_v%d.meta", version))
	if err := os.WriteFile(metaPath, metaRaw, 0o600); err != nil {
		return nil, fmt.Errorf("write key meta v%d: %w", version, err)
	}
	k.masters[version] = master
	return master, nil
}

// setCurrent records the active version in version.json and mirrors the
// active master into current.key.
func (k *Keystore) setCurrent(version int) error {
	raw, err := json.MarshalIndent(keystoreVersion{Current: version, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(k.dir, "version.json"), raw, 0o600); err != nil {
		return fmt.Errorf("write version.json: %w", err)
	}
	current := hex.EncodeToString(k.masters[version])
	if err := os.WriteFile(filepath.Join(k.dir, "current.key"), []byte(current), 0o600); err != nil {
		return fmt.Errorf("write current.key: %w", err)
	}
	k.current = version
	return nil
}

// CurrentVersion returns the active key version.
func (k *Keystore) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// SigningKey returns the long-lived HMAC key for event hashes, block
// signatures, and container seals.
func (k *Keystore) SigningKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signing
}

// derive expands a versioned master key into a 32-byte subkey for the given
// purpose label.
func (k *Keystore) derive(version int, info string) ([]byte, error) {
	master, ok := k.masters[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrKeyUnavailable, version)
	}
	sub := make([]byte, masterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), sub); err != nil {
		return nil, fmt.Errorf("derive subkey v%d: %w", version, err)
	}
	return sub, nil
}

// EncryptionKey returns the AES-256 subkey for a key version.
func (k *Keystore) EncryptionKey(version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.derive(version, infoEncrypt)
}

// MACKey returns the container-seal subkey for a key version.
func (k *Keystore) MACKey(version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.derive(version, infoContainerMAC)
}

// Rotate generates and activates the next key version. The previous version
// stays loaded so data written under it remains readable until re-encrypted.
func (k *Keystore) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	next := k.current + 1
	if _, err := k.createVersion(next); err != nil {
		return 0, err
	}
	if err := k.setCurrent(next); err != nil {
		return 0, err
	}
	if err := k.markStatus(next-1, KeyRetired); err != nil {
		return 0, err
	}

	k.logger.Info("encryption key rotated", zap.Int("version", next))
	return next, nil
}

// DestroyVersion irreversibly destroys one key version: the key file is
// overwritten with random bytes before removal and the in-memory copy is
// zeroed. Data encrypted solely under this version becomes unrecoverable.
// The current version cannot be destroyed.
func (k *Keystore) DestroyVersion(version int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if version == k.current {
		return fmt.Errorf("refusing to destroy current key version %d", version)
	}
	master, ok := k.masters[version]
	if !ok {
		return fmt.Errorf("%w: version %d", ErrKeyUnavailable, version)
	}

	path := filepath.Join(k.dir, fmt.Sprintf("key_v%d.key", version))
	junk := make([]byte, hex.EncodedLen(masterKeySize))
	if _, err := rand.Read(junk); err != nil {
		return fmt.Errorf("generate overwrite bytes: %w", err)
	}
	if err := os.WriteFile(path, junk, 0o600); err != nil {
		return fmt.Errorf("overwrite key v%d: %w", version, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove key v%d: %w", version, err)
	}

	for i := range master {
		master[i] = 0
	}
	delete(k.masters, version)

	if err := k.markStatus(version, KeyDestroyed); err != nil {
		return err
	}
	k.logger.Warn("key version destroyed", zap.Int("version", version))
	return nil
}

func (k *Keystore) markStatus(version int, status KeyStatus) error {
	metaPath := filepath.Join(k.dir, fmt.Sprintf("key_v%d.meta", version))
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read key meta v%d: %w", version, err)
	}
	var meta KeyMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("parse key meta v%d: %w", version, err)
	}
	meta.Status = status
	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key meta v%d: %w", version, err)
	}
	if err := os.WriteFile(metaPath, out, 0o600); err != nil {
		return fmt.Errorf("write key meta v%d: %w", version, err)
	}
	return nil
}

// ── record sealing ───────────────────────────────────────────────────────────

// recordPrefix introduces a sealed ledger record: "v{N}:" then base64.
const recordSep = ":"

// SealRecord encrypts one ledger log record under the current key version.
// The output is a single text line: v{N}:base64(nonce||ciphertext).
func (k *Keystore) SealRecord(plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	version := k.current
	k.mu.RUnlock()

	key, err := k.EncryptionKey(version)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate record nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	line := fmt.Sprintf("v%d%s%s", version, recordSep, base64.StdEncoding.EncodeToString(sealed))
	return []byte(line), nil
}

// OpenRecord decrypts a sealed log record using the key version named in its
// prefix, supporting records written under older keys.
func (k *Keystore) OpenRecord(sealed []byte) ([]byte, error) {
	parts := strings.SplitN(string(sealed), recordSep, 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "v") {
		return nil, fmt.Errorf("malformed sealed record")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "v"))
	if err != nil {
		return nil, fmt.Errorf("malformed record key version: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode sealed record: %w", err)
	}

	key, err := k.EncryptionKey(version)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed record too short")
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed record: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
