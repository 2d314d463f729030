package ledger

import (
	"errors"
	"fmt"
)

// ErrChainNotInitialized is returned by Append when the ledger's
// previous-hash cursor has not yet been restored from durable storage.
var ErrChainNotInitialized = errors.New("ledger: chain cursor not initialized; call Open first")

// ChainBrokenError reports the first index at which an event sequence fails
// hash-chain verification. It indicates corruption or tampering and is never
// repaired automatically.
type ChainBrokenError struct {
	Index  int
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("ledger: chain broken at index %d: %s", e.Index, e.Reason)
}
