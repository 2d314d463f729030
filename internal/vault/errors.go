package vault

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested container file does not exist.
var ErrNotFound = errors.New("vault: file not found")

// ErrRotationInProgress is returned to readers and writers that arrive while
// an exclusive key rotation holds the store. Callers retry after rotation
// completes.
var ErrRotationInProgress = errors.New("vault: key rotation in progress")

// ErrKeyUnavailable is returned when a key version is missing or destroyed.
var ErrKeyUnavailable = errors.New("vault: key version unavailable")

// TamperError reports a container whose seal no longer matches its contents.
// It is treated as a security incident: the read is refused before any
// decryption is attempted, and the error is never retried.
type TamperError struct {
	File   string
	Detail string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("vault: tamper detected in %s: %s", e.File, e.Detail)
}
