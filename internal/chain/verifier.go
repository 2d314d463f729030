package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
	"go.uber.org/zap"
)

// DefaultDifficulty is the number of leading zero hex characters a mined
// block hash must carry. Difficulty 0 is a valid, cheaper configuration:
// tamper evidence comes from the keyed signatures, not the work target.
const DefaultDifficulty = 4

// DefaultMaxBlockEvents caps how many events a single block may seal.
// Larger batches are split across consecutive blocks.
const DefaultMaxBlockEvents = 1000

// defaultResidentBlocks bounds how many blocks stay in memory once an
// archive is configured; older blocks are paged back in on demand.
const defaultResidentBlocks = 256

// nonceCheckInterval is how many nonces the miner tries between
// cancellation checks.
const nonceCheckInterval = 4096

// ErrIndexOutOfRange is returned when a block index is outside the chain.
var ErrIndexOutOfRange = errors.New("chain: block index out of range")

// ErrEmptyBatch is returned when AddEvents receives no events.
var ErrEmptyBatch = errors.New("chain: cannot seal an empty event batch")

// Archive persists blocks that no longer fit the resident window. The
// encrypted vault store satisfies this interface.
type Archive interface {
	SaveBlock(ctx context.Context, b *Block) error
	LoadBlock(ctx context.Context, index int) (*Block, error)
}

// Verifier owns the block chain. A single mutex serialises sealing because
// each block's previous-hash depends on the current tip; no two blocks are
// ever mined against the same tip concurrently.
type Verifier struct {
	mu             sync.Mutex
	signingKey     []byte
	difficulty     int
	maxBlockEvents int
	residentLimit  int
	resident       map[int]*Block
	height         int
	tipHash        string
	archive        Archive
	logger         *zap.Logger
}

// NewVerifier creates a Verifier holding only the genesis block. The genesis
// block seals no events and is excluded from integrity scoring.
func NewVerifier(signingKey []byte, logger *zap.Logger) *Verifier {
	v := &Verifier{
		signingKey:     signingKey,
		difficulty:     DefaultDifficulty,
		maxBlockEvents: DefaultMaxBlockEvents,
		residentLimit:  defaultResidentBlocks,
		resident:       make(map[int]*Block),
		logger:         logger,
	}

	genesis := &Block{
		Index:      0,
		Timestamp:  time.Now().UTC(),
		PrevHash:   GenesisHash,
		MerkleRoot: MerkleRoot(nil),
	}
	genesis.Hash = computeBlockHash(genesis)
	genesis.Signature = signBlock(signingKey, genesis)

	v.resident[0] = genesis
	v.height = 1
	v.tipHash = genesis.Hash
	return v
}

// SetDifficulty overrides the proof-of-work target. Zero disables the
// nonce search.
func (v *Verifier) SetDifficulty(d int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d >= 0 {
		v.difficulty = d
	}
}

// SetMaxBlockEvents overrides the per-block event cap.
func (v *Verifier) SetMaxBlockEvents(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n > 0 {
		v.maxBlockEvents = n
	}
}

// SetArchive configures block paging. Without an archive every block stays
// resident.
func (v *Verifier) SetArchive(a Archive) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.archive = a
}

// Height returns the number of blocks in the chain, genesis included.
func (v *Verifier) Height() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.height
}

// TipHash returns the hash of the most recently sealed block.
func (v *Verifier) TipHash() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tipHash
}

// AddEvents verifies the event batch's internal hash chain, splits it at the
// per-block cap, and mines, signs, and appends one block per chunk. A
// cancelled context aborts mid-mine; the partially mined block is discarded
// and the chain tip is unchanged.
func (v *Verifier) AddEvents(ctx context.Context, events []ledger.Event) ([]*Block, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := ledger.VerifyChain(v.signingKey, events); err != nil {
		return nil, fmt.Errorf("reject unchained batch: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var sealed []*Block
	for start := 0; start < len(events); start += v.maxBlockEvents {
		end := start + v.maxBlockEvents
		if end > len(events) {
			end = len(events)
		}
		b, err := v.sealLocked(ctx, events[start:end])
		if err != nil {
			return sealed, err
		}
		sealed = append(sealed, b)
	}
	return sealed, nil
}

// sealLocked builds, mines, signs, and appends one block. Caller holds mu.
func (v *Verifier) sealLocked(ctx context.Context, events []ledger.Event) (*Block, error) {
	hashes := make([]string, len(events))
	for i := range events {
		hashes[i] = events[i].Hash
	}

	b := &Block{
		Index:      v.height,
		Timestamp:  time.Now().UTC(),
		Events:     append([]ledger.Event(nil), events...),
		PrevHash:   v.tipHash,
		MerkleRoot: MerkleRoot(hashes),
	}

	start := time.Now()
	if err := mine(ctx, b, v.difficulty); err != nil {
		return nil, err
	}
	b.Signature = signBlock(v.signingKey, b)

	if v.archive != nil {
		if err := v.archive.SaveBlock(ctx, b); err != nil {
			return nil, fmt.Errorf("archive block %d: %w", b.Index, err)
		}
	}

	v.resident[b.Index] = b
	v.height = b.Index + 1
	v.tipHash = b.Hash
	v.evictLocked()

	v.logger.Info("block sealed",
		zap.Int("index", b.Index),
		zap.Int("events", len(b.Events)),
		zap.Uint64("nonce", b.Nonce),
		zap.Duration("mine_time", time.Since(start)),
	)
	return b, nil
}

// mine searches for a nonce whose block hash meets the difficulty target,
// checking for cancellation between nonce batches.
func mine(ctx context.Context, b *Block, difficulty int) error {
	for nonce := uint64(0); ; nonce++ {
		if nonce%nonceCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mining aborted: %w", err)
			}
		}
		b.Nonce = nonce
		hash := computeBlockHash(b)
		if meetsDifficulty(hash, difficulty) {
			b.Hash = hash
			return nil
		}
	}
}

// evictLocked pages the oldest resident blocks out once the window is full.
// Only archived blocks are evicted; genesis always stays resident.
func (v *Verifier) evictLocked() {
	if v.archive == nil {
		return
	}
	for idx := 1; len(v.resident) > v.residentLimit && idx < v.height; idx++ {
		delete(v.resident, idx)
	}
}

// blockAt returns the block at index from the resident window or the archive.
func (v *Verifier) blockAt(ctx context.Context, index int) (*Block, error) {
	if b, ok := v.resident[index]; ok {
		return b, nil
	}
	if v.archive == nil {
		return nil, fmt.Errorf("block %d not resident and no archive configured", index)
	}
	b, err := v.archive.LoadBlock(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("load block %d from archive: %w", index, err)
	}
	return b, nil
}

// Block returns the block at the given index.
func (v *Verifier) Block(ctx context.Context, index int) (*Block, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if index < 0 || index >= v.height {
		return nil, ErrIndexOutOfRange
	}
	return v.blockAt(ctx, index)
}

// RedactEvents scrubs the payload of the given events from every resident
// block, so disposed records are not served from memory after their archived
// containers have been rewritten. Block hashes are unaffected: they cover the
// Merkle root built from stored event hashes, which redaction keeps. Returns
// how many resident copies were redacted.
func (v *Verifier) RedactEvents(eventIDs []string) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	targets := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		targets[id] = struct{}{}
	}
	n := 0
	for _, b := range v.resident {
		for i := range b.Events {
			if _, ok := targets[b.Events[i].ID]; ok && !b.Events[i].Redacted {
				ledger.Redact(&b.Events[i])
				n++
			}
		}
	}
	if n > 0 {
		v.logger.Warn("resident block events redacted", zap.Int("events", n))
	}
	return n
}

// FindEvents linearly scans every block's events and returns those matching
// the criteria.
func (v *Verifier) FindEvents(ctx context.Context, criteria ledger.Criteria) ([]ledger.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var matched []ledger.Event
	for idx := 0; idx < v.height; idx++ {
		b, err := v.blockAt(ctx, idx)
		if err != nil {
			return nil, err
		}
		for i := range b.Events {
			if criteria.Matches(&b.Events[i]) {
				matched = append(matched, b.Events[i])
			}
		}
	}
	if matched == nil {
		matched = []ledger.Event{}
	}
	return matched, nil
}
