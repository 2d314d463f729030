// Package chain batches ledger events into cryptographically linked, signed,
// proof-of-work-sealed blocks and verifies their integrity.
package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/havenhealth/auditvault/internal/ledger"
)

// GenesisHash anchors the block chain. Block 0 links to this constant.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Block is one sealed batch of audit events. Blocks are immutable once mined
// and signed.
type Block struct {
	Index      int            `json:"index"`
	Timestamp  time.Time      `json:"timestamp"`
	Events     []ledger.Event `json:"events"`
	PrevHash   string         `json:"previous_hash"`
	MerkleRoot string         `json:"merkle_root"`
	Nonce      uint64         `json:"nonce"`
	Hash       string         `json:"hash"`
	Signature  string         `json:"signature"`
}

// computeBlockHash derives a block's hash from all fields except the hash
// and signature themselves.
func computeBlockHash(b *Block) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%d",
		b.Index, b.Timestamp.UTC().UnixNano(), b.PrevHash, b.MerkleRoot, b.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// signBlock computes the keyed signature over the block's sealed identity.
func signBlock(signingKey []byte, b *Block) string {
	mac := hmac.New(sha256.New, signingKey)
	fmt.Fprintf(mac, "%d|%d|%s|%s",
		b.Index, b.Timestamp.UTC().UnixNano(), b.Hash, b.MerkleRoot)
	return hex.EncodeToString(mac.Sum(nil))
}

// meetsDifficulty reports whether a hash has the required number of leading
// zero hex characters.
func meetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hash) {
		return false
	}
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}
