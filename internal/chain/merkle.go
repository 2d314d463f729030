package chain

import (
	"crypto/sha256"
	"encoding/hex"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MerkleRoot reduces a list of event hashes to a single root by pairwise
// SHA-256 combination, duplicating the last hash whenever a level has an odd
// count. An empty list yields H(""); a single hash yields H(hash), so the
// root is never a raw leaf.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return sha256Hex("")
	}

	level := make([]string, len(hashes))
	for i, h := range hashes {
		level[i] = sha256Hex(h)
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, sha256Hex(level[i]+level[i+1]))
		}
		level = next
	}
	return level[0]
}
