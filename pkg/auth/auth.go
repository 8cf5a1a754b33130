// Package auth resolves credentials into authorization contexts and
// enforces them, and mints the narrower credentials of the hierarchy:
// user token -> agent token -> ticket.
package auth

import (
	"context"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MeAlias is the scope literal resolving to the caller's own scope
const MeAlias = "@me"

// AuthContext is the resolved authority of an authenticated caller. It is
// derived fresh from the credential row on every request.
type AuthContext struct {
	Kind         model.CredentialKind
	CredentialID string
	Scope        string

	CanRead        bool
	CanWrite       bool
	CanIssueTicket bool

	// AllowedKeys restricts reads to an exact key set; nil means the whole scope
	AllowedKeys []model.ContentKey

	// Write constraints carried over from a write ticket
	WriteQuota           int64
	AcceptedContentTypes []string
	ChunkThreshold       uint32
}

// Controller authenticates credentials against the injected store
type Controller struct {
	creds store.CredentialStore
	l     *zap.Logger
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// ControllerLogger injects a zap logger
func ControllerLogger(l *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.l = l
		}
	}
}

// NewController creates an access controller over a credential store
func NewController(creds store.CredentialStore, opts ...ControllerOption) *Controller {
	c := &Controller{
		creds: creds,
		l:     zap.NewNop(),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

// Authenticate resolves a credential id into an authorization context.
// Unknown, expired, and wrong-kind credentials are all ErrUnauthorized:
// a caller learns nothing about why its credential failed.
func (c *Controller) Authenticate(ctx context.Context, id string, accepted ...model.CredentialKind) (AuthContext, error) {
	if id == "" {
		return AuthContext{}, model.ErrUnauthorized
	}
	cred, err := c.creds.Get(id)
	if err != nil {
		if errors.Is(err, store.CredentialNotFound) || errors.Is(err, store.IDIsRequired) {
			return AuthContext{}, model.ErrUnauthorized
		}
		return AuthContext{}, err
	}
	if len(accepted) > 0 {
		ok := false
		for _, k := range accepted {
			if cred.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			c.l.Debug("credential kind rejected for scheme", zap.String("kind", string(cred.Kind)))
			return AuthContext{}, model.ErrUnauthorized
		}
	}
	return contextFor(cred)
}

func contextFor(cred *model.Credential) (AuthContext, error) {
	out := AuthContext{
		Kind:         cred.Kind,
		CredentialID: cred.ID,
		Scope:        cred.Scope(),
	}
	switch cred.Kind {
	case model.KindUser:
		out.CanRead = true
		out.CanWrite = true
		out.CanIssueTicket = true
	case model.KindAgent:
		out.CanRead = cred.Agent.Permissions.Read
		out.CanWrite = cred.Agent.Permissions.Write
		out.CanIssueTicket = cred.Agent.Permissions.IssueTicket
	case model.KindTicket:
		t := cred.Ticket
		switch t.Type {
		case model.TicketRead:
			out.CanRead = true
			// non-nil even when empty: a keyless read ticket admits nothing,
			// it does not widen to the whole scope
			out.AllowedKeys = make([]model.ContentKey, 0, len(t.ReadKeys))
			out.AllowedKeys = append(out.AllowedKeys, t.ReadKeys...)
		case model.TicketWrite:
			out.CanWrite = true
			out.WriteQuota = t.WriteQuota
			out.AcceptedContentTypes = append([]string(nil), t.AcceptedContentTypes...)
		}
		out.ChunkThreshold = t.Config.ChunkThreshold
	default:
		return AuthContext{}, model.ErrUnauthorized
	}
	return out, nil
}

// ResolveScope maps the @me alias to the caller's own scope, then requires
// exact equality. Cross-scope access is always denied, with no exception path.
func (a AuthContext) ResolveScope(requested string) (string, error) {
	if requested == MeAlias {
		return a.Scope, nil
	}
	if requested != a.Scope {
		return "", model.ErrForbidden
	}
	return requested, nil
}

// CheckReadAccess requires the read right and key-set membership when the
// context is key-restricted. This is what pins a read ticket to one DAG
// rather than the whole tenant namespace.
func (a AuthContext) CheckReadAccess(key model.ContentKey) error {
	if !a.CanRead {
		return model.ErrForbidden
	}
	if a.AllowedKeys == nil {
		return nil
	}
	for _, k := range a.AllowedKeys {
		if k == key {
			return nil
		}
	}
	return model.ErrForbidden
}

// CheckWriteAccess requires the write right
func (a AuthContext) CheckWriteAccess() error {
	if !a.CanWrite {
		return model.ErrForbidden
	}
	return nil
}

// CheckIssueAccess requires the ticket-issuance right
func (a AuthContext) CheckIssueAccess() error {
	if !a.CanIssueTicket {
		return model.ErrForbidden
	}
	return nil
}
