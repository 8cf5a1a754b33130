package store

import (
	"github.com/casket-io/casket/pkg/model"
)

type errorString string

func (e errorString) Error() string { return string(e) }

const (
	// IDIsRequired is returned whenever an id is expected but not provided
	IDIsRequired errorString = "id is required"

	// CredentialNotFound is returned for unknown ids and, identically, for
	// expired rows: lazy expiry makes an expired credential read as absent
	CredentialNotFound errorString = "credential not found"

	// NodeNotFound is returned when the DAG index has no record for a key
	NodeNotFound errorString = "node not found"

	// OwnershipNotFound is returned when a scope holds no claim over a key
	OwnershipNotFound errorString = "ownership record not found"

	// NotATicket is returned when a write-once transition targets a
	// credential that is not a ticket
	NotATicket errorString = "credential is not a ticket"

	// ConditionFailed is returned when an atomic conditional update lost a
	// race. Expected under concurrent ticket consumption, not a bug.
	ConditionFailed errorString = "conditional update failed"

	// InvalidCursor is returned for a pagination cursor the store did not issue
	InvalidCursor errorString = "invalid pagination cursor"
)

// A CredentialStore persists the credential table.
//
// Rows are immutable except for the single write-once transition of a
// ticket's written slot and explicit deletion.
type CredentialStore interface {
	Initialize() error
	Close() error

	// Create persists a fully stamped credential under its fresh id
	Create(*model.Credential) error

	// Get returns a live credential, or CredentialNotFound for unknown and
	// expired ids alike. Expiry is a wall-clock comparison made on every
	// call, never cached.
	Get(id string) (*model.Credential, error)

	// Delete revokes a credential. Terminal, idempotent.
	Delete(id string) error

	// MarkTicketWritten atomically transitions a ticket's written slot from
	// unset to root. It reports false when the slot is already consumed.
	// The check and the set happen in a single conditional update: two
	// concurrent calls can never both report true.
	MarkTicketWritten(id string, root model.ContentKey) (bool, error)

	// RevertTicketWrite clears the written slot, compensating a reservation
	// whose write subsequently failed to complete.
	RevertTicketWrite(id string) error
}

// An OwnershipStore persists per-scope claims over content keys.
//
// Writes are append-only per (scope, key) pair, hence idempotent under retry.
type OwnershipStore interface {
	Initialize() error
	Close() error

	// Add records a claim. Re-adding an existing (scope, key) pair is a no-op.
	Add(model.OwnershipRecord) error

	// Has is the authorization check backing every read
	Has(scope string, key model.ContentKey) (bool, error)

	// Check partitions keys into those the scope owns and those it is missing
	Check(scope string, keys []model.ContentKey) (found, missing []model.ContentKey, err error)

	// List enumerates a scope's claims newest first. The returned cursor is
	// opaque; an empty cursor starts from the top, an empty returned cursor
	// means the enumeration is done. Pages never duplicate or skip records
	// that existed when the enumeration started.
	List(scope string, limit int, cursor string) ([]model.OwnershipRecord, string, error)

	// Remove drops the scope's claim. The underlying bytes are never touched.
	Remove(scope string, key model.ContentKey) error
}

// A DAGStore persists structural metadata per node key. Bytes live in the
// content store, never here.
type DAGStore interface {
	Initialize() error
	Close() error

	PutNode(model.NodeInfo) error
	GetNode(key model.ContentKey) (model.NodeInfo, error)
}
