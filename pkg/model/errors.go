package model

import "fmt"

type errorString string

func (e errorString) Error() string { return string(e) }

const (
	// ErrUnauthorized is returned for a missing, unknown or expired credential
	ErrUnauthorized errorString = "unauthorized"

	// ErrForbidden is returned for a valid credential lacking the required right
	ErrForbidden errorString = "forbidden"

	// ErrNotFound covers both absent keys and keys invisible to the caller's
	// scope, so existence never leaks across scopes
	ErrNotFound errorString = "not found"

	// ErrAlreadyWritten is returned when a ticket's write-once slot is spent
	ErrAlreadyWritten errorString = "ticket already written"

	// ErrQuotaExceeded is returned when an upload exceeds a write ticket's quota
	ErrQuotaExceeded errorString = "write quota exceeded"

	// ErrContentTypeRejected is returned when a write ticket's content type
	// filter rejects an upload
	ErrContentTypeRejected errorString = "content type not accepted by ticket"
)

// HashMismatch is returned when uploaded bytes do not hash to the key the
// caller asserted. Both digests are carried so the caller can tell corruption
// from a logic bug. The store never falls back to the actual key.
type HashMismatch struct {
	Expected ContentKey
	Actual   ContentKey
}

func (h *HashMismatch) Error() string {
	return fmt.Sprintf("content hash mismatch: asserted %s, computed %s", h.Expected, h.Actual)
}
