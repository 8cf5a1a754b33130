package auth

import (
	"context"
	"time"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type errorString string

func (e errorString) Error() string { return string(e) }

const (
	// ErrKeyRequired is returned when a read ticket is requested without a key
	ErrKeyRequired errorString = "a read ticket requires a content key"

	// ErrNameRequired is returned when an agent token is requested without a name
	ErrNameRequired errorString = "an agent token requires a name"
)

// Policy holds the server-side issuance limits. Requested lifetimes are
// clamped to the ceilings, never rejected.
type Policy struct {
	UserTokenTTL      time.Duration
	AgentTokenMaxTTL  time.Duration
	ReadTicketMaxTTL  time.Duration
	WriteTicketMaxTTL time.Duration

	DefaultWriteQuota int64
	ChunkThreshold    uint32
}

// DefaultPolicy returns the issuance limits used when none are configured
func DefaultPolicy() Policy {
	return Policy{
		UserTokenTTL:      time.Hour,
		AgentTokenMaxTTL:  28 * 24 * time.Hour,
		ReadTicketMaxTTL:  time.Hour,
		WriteTicketMaxTTL: 5 * time.Minute,
		DefaultWriteQuota: 64 * 1024 * 1024,
		ChunkThreshold:    1024 * 1024,
	}
}

// ClosureFunc expands a root key the scope owns into its transitive key
// set, so a read ticket minted for a root admits the whole DAG beneath it.
type ClosureFunc func(ctx context.Context, scope string, root model.ContentKey) ([]model.ContentKey, error)

// TicketRequest is the caller-supplied portion of a ticket
type TicketRequest struct {
	Type model.TicketType

	// Key roots a read ticket's key set. Ignored for write tickets.
	Key *model.ContentKey

	// ExpiresIn is clamped to the policy ceiling for the ticket type.
	// Zero means the ceiling.
	ExpiresIn time.Duration

	// Write constraints. Zero quota means the policy default.
	WriteQuota           int64
	AcceptedContentTypes []string
}

// Issuer mints credentials down the hierarchy and revokes them
type Issuer struct {
	creds   store.CredentialStore
	policy  Policy
	closure ClosureFunc
	now     func() time.Time
	newID   func() string
	l       *zap.Logger
}

// IssuerOption configures an Issuer
type IssuerOption func(*Issuer)

// IssuerPolicy overrides the default issuance limits
func IssuerPolicy(p Policy) IssuerOption {
	return func(i *Issuer) {
		i.policy = p
	}
}

// IssuerClosure installs the DAG closure resolver used for read tickets
func IssuerClosure(fn ClosureFunc) IssuerOption {
	return func(i *Issuer) {
		i.closure = fn
	}
}

// IssuerClock injects the wall clock, for tests
func IssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// IssuerLogger injects a zap logger
func IssuerLogger(l *zap.Logger) IssuerOption {
	return func(i *Issuer) {
		if l != nil {
			i.l = l
		}
	}
}

// NewIssuer creates a credential issuer over a credential store
func NewIssuer(creds store.CredentialStore, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		creds:  creds,
		policy: DefaultPolicy(),
		now:    time.Now,
		newID:  uuid.NewString,
		l:      zap.NewNop(),
	}
	for _, apply := range opts {
		apply(i)
	}
	return i
}

// CreateUserToken mints the root credential of a user's hierarchy. The
// identity itself is established upstream; this only records it.
func (i *Issuer) CreateUserToken(ctx context.Context, userID, refreshToken string) (*model.Credential, error) {
	if userID == "" {
		return nil, store.IDIsRequired
	}
	now := i.now()
	cred := &model.Credential{
		ID:        "tok_" + i.newID(),
		Kind:      model.KindUser,
		CreatedAt: now,
		ExpiresAt: now.Add(i.policy.UserTokenTTL),
		User: &model.UserToken{
			UserID:       userID,
			RefreshToken: refreshToken,
		},
	}
	if err := i.creds.Create(cred); err != nil {
		return nil, err
	}
	i.l.Info("user token minted", zap.String("user", userID))
	return cred, nil
}

// CreateAgentToken mints a delegated credential carrying a permission subset.
// Only a user token may delegate: agents cannot mint further agents.
func (i *Issuer) CreateAgentToken(ctx context.Context, issuer AuthContext, name string, perms model.Permissions, expiresIn time.Duration) (*model.Credential, error) {
	if issuer.Kind != model.KindUser {
		return nil, model.ErrForbidden
	}
	if name == "" {
		return nil, ErrNameRequired
	}
	ttl := clampTTL(expiresIn, i.policy.AgentTokenMaxTTL)

	now := i.now()
	cred := &model.Credential{
		ID:        "agt_" + i.newID(),
		Kind:      model.KindAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Agent: &model.AgentToken{
			UserID:      userIDFromScope(issuer.Scope),
			Name:        name,
			Permissions: perms,
		},
	}
	if err := i.creds.Create(cred); err != nil {
		return nil, err
	}
	i.l.Info("agent token minted",
		zap.String("name", name),
		zap.String("scope", issuer.Scope),
	)
	return cred, nil
}

// CreateTicket mints a short-lived capability in the issuer's own scope.
// A read ticket is pinned to the requested key and, when a closure resolver
// is installed, to every key reachable from it.
func (i *Issuer) CreateTicket(ctx context.Context, issuer AuthContext, req TicketRequest) (*model.Credential, error) {
	if err := issuer.CheckIssueAccess(); err != nil {
		return nil, err
	}

	ticket := &model.Ticket{
		Scope:    issuer.Scope,
		IssuerID: issuer.CredentialID,
		Type:     req.Type,
		Config:   model.TicketConfig{ChunkThreshold: i.policy.ChunkThreshold},
	}

	var ceiling time.Duration
	switch req.Type {
	case model.TicketRead:
		ceiling = i.policy.ReadTicketMaxTTL
		if req.Key == nil {
			return nil, ErrKeyRequired
		}
		keys, err := i.readKeySet(ctx, issuer.Scope, *req.Key)
		if err != nil {
			return nil, err
		}
		ticket.ReadKeys = keys
	case model.TicketWrite:
		ceiling = i.policy.WriteTicketMaxTTL
		ticket.WriteQuota = req.WriteQuota
		if ticket.WriteQuota <= 0 {
			ticket.WriteQuota = i.policy.DefaultWriteQuota
		}
		ticket.AcceptedContentTypes = append([]string(nil), req.AcceptedContentTypes...)
	default:
		return nil, errors.Errorf("unknown ticket type %q", req.Type)
	}

	now := i.now()
	cred := &model.Credential{
		ID:        "tkt_" + i.newID(),
		Kind:      model.KindTicket,
		CreatedAt: now,
		ExpiresAt: now.Add(clampTTL(req.ExpiresIn, ceiling)),
		Ticket:    ticket,
	}
	if err := i.creds.Create(cred); err != nil {
		return nil, err
	}
	i.l.Info("ticket minted",
		zap.String("type", string(req.Type)),
		zap.String("scope", issuer.Scope),
		zap.Time("expires", cred.ExpiresAt),
	)
	return cred, nil
}

// Revoke deletes a delegated credential ahead of its expiry. Only agent
// tokens and tickets are revocable, only from within their own scope, and
// never by a ticket holder.
func (i *Issuer) Revoke(ctx context.Context, requester AuthContext, id string) error {
	if requester.Kind == model.KindTicket {
		return model.ErrForbidden
	}
	cred, err := i.creds.Get(id)
	if err != nil {
		if errors.Is(err, store.CredentialNotFound) {
			return model.ErrNotFound
		}
		return err
	}
	if cred.Kind == model.KindUser || cred.Scope() != requester.Scope {
		return model.ErrForbidden
	}
	if err := i.creds.Delete(id); err != nil {
		return err
	}
	i.l.Info("credential revoked",
		zap.String("kind", string(cred.Kind)),
		zap.String("scope", requester.Scope),
	)
	return nil
}

func (i *Issuer) readKeySet(ctx context.Context, scope string, root model.ContentKey) ([]model.ContentKey, error) {
	if !root.IsValid() {
		return nil, &model.BadKey{Value: root.String()}
	}
	if i.closure == nil {
		return []model.ContentKey{root}, nil
	}
	keys, err := i.closure(ctx, scope, root)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func clampTTL(requested, ceiling time.Duration) time.Duration {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

func userIDFromScope(scope string) string {
	if len(scope) > len(model.UserScopePrefix) {
		return scope[len(model.UserScopePrefix):]
	}
	return scope
}
