package model

import (
	"time"
)

// CredentialKind discriminates the credential union
type CredentialKind string

const (
	// KindUser is the long-lived credential minted at login
	KindUser CredentialKind = "user"

	// KindAgent is a delegated credential with a stored permission subset
	KindAgent CredentialKind = "agent"

	// KindTicket is a short-lived, single-purpose capability
	KindTicket CredentialKind = "ticket"
)

// UserScopePrefix namespaces per-user ownership scopes
const UserScopePrefix = "usr_"

// UserScope derives the ownership scope of a user
func UserScope(userID string) string {
	return UserScopePrefix + userID
}

// Permissions is the right subset stored with an agent token
type Permissions struct {
	Read        bool `json:"read"`
	Write       bool `json:"write"`
	IssueTicket bool `json:"issueTicket"`
}

// UserToken carries full rights within the user's own scope
type UserToken struct {
	UserID       string `json:"userId"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// AgentToken carries a subset of its issuing user's rights, same scope
type AgentToken struct {
	UserID      string      `json:"userId"`
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
}

// TicketType selects the capability category of a ticket
type TicketType string

const (
	// TicketRead authorizes reads of a fixed key set
	TicketRead TicketType = "read"

	// TicketWrite authorizes exactly one successful write
	TicketWrite TicketType = "write"
)

// TicketConfig is surfaced to ticket holders so uploading clients agree
// with the server on chunking.
type TicketConfig struct {
	ChunkThreshold uint32 `json:"chunkThreshold"`
}

// Ticket is a narrowly scoped capability. A read ticket is pinned to the key
// set it was minted for; a write ticket holds a write-once slot whose
// consumption is recorded in Written.
type Ticket struct {
	Scope    string     `json:"scope"`
	IssuerID string     `json:"issuerId"`
	Type     TicketType `json:"type"`

	// ReadKeys restricts read tickets. Empty only for write tickets.
	ReadKeys []ContentKey `json:"readKeys,omitempty"`

	// Write constraints, meaningful when Type is TicketWrite
	WriteQuota           int64    `json:"writeQuota,omitempty"`
	AcceptedContentTypes []string `json:"acceptedContentTypes,omitempty"`

	// Written transitions from nil to the uploaded root key exactly once
	Written *ContentKey `json:"written,omitempty"`

	Config TicketConfig `json:"config"`
}

// AllowsRead reports whether the ticket's key restriction admits key
func (t *Ticket) AllowsRead(key ContentKey) bool {
	for _, k := range t.ReadKeys {
		if k == key {
			return true
		}
	}
	return false
}

// AcceptsContentType reports whether a write ticket admits the given content type.
// An empty filter accepts everything.
func (t *Ticket) AcceptsContentType(ct string) bool {
	if len(t.AcceptedContentTypes) == 0 {
		return true
	}
	for _, accepted := range t.AcceptedContentTypes {
		if accepted == ct {
			return true
		}
	}
	return false
}

// Credential is the stored union, one row per opaque id
type Credential struct {
	ID        string         `json:"id"`
	Kind      CredentialKind `json:"kind"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`

	User   *UserToken  `json:"user,omitempty"`
	Agent  *AgentToken `json:"agent,omitempty"`
	Ticket *Ticket     `json:"ticket,omitempty"`
}

// Expired compares the expiry stamp against a wall clock reading.
// Expiry is evaluated fresh on every request, never cached.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Scope resolves the ownership scope this credential operates in
func (c *Credential) Scope() string {
	switch c.Kind {
	case KindUser:
		return UserScope(c.User.UserID)
	case KindAgent:
		return UserScope(c.Agent.UserID)
	case KindTicket:
		return c.Ticket.Scope
	}
	return ""
}

// OwnershipRecord is the per-scope claim over a content key. Its presence is
// the sole authority for "scope S may read key K". Records are immutable.
type OwnershipRecord struct {
	Scope       string     `json:"scope"`
	Key         ContentKey `json:"key"`
	CreatedAt   time.Time  `json:"createdAt"`
	CreatedBy   string     `json:"createdBy"`
	ContentType string     `json:"contentType,omitempty"`
	Size        int64      `json:"size"`
}
