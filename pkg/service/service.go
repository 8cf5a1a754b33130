// Package service composes the content store, the ownership ledger and the
// credential stores into the operations exposed over the wire. Every
// operation takes an authenticated context and enforces scope isolation
// before touching content.
package service

import (
	"context"
	"time"

	"github.com/casket-io/casket/pkg/auth"
	"github.com/casket-io/casket/pkg/cas"
	"github.com/casket-io/casket/pkg/metrics"
	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ResolveRes partitions the queried keys by ownership
type ResolveRes struct {
	Found   []model.ContentKey `json:"found"`
	Missing []model.ContentKey `json:"missing"`
}

// PutRes reports a completed node upload
type PutRes struct {
	Key   model.ContentKey `json:"key"`
	Size  int64            `json:"size"`
	Found bool             `json:"found"`
}

// Service executes scope-checked CAS operations
type Service struct {
	content cas.Store
	index   store.DAGStore
	owners  store.OwnershipStore
	creds   store.CredentialStore

	dagOpts []cas.DagOption
	now     func() time.Time
	l       *zap.Logger
	m       *metrics.M
}

// Option configures a Service
type Option func(*Service)

// Logger injects a zap logger
func Logger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.l = l
		}
	}
}

// WithMetrics installs a metrics sink
func WithMetrics(m *metrics.M) Option {
	return func(s *Service) {
		s.m = m
	}
}

// DagLimits forwards traversal caps to manifest expansion
func DagLimits(opts ...cas.DagOption) Option {
	return func(s *Service) {
		s.dagOpts = opts
	}
}

// Clock injects the wall clock, for tests
func Clock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates the service over its backing stores
func New(content cas.Store, index store.DAGStore, owners store.OwnershipStore, creds store.CredentialStore, opts ...Option) *Service {
	s := &Service{
		content: content,
		index:   index,
		owners:  owners,
		creds:   creds,
		now:     time.Now,
		l:       zap.NewNop(),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// Resolve partitions keys into owned and missing for the scope. Keys outside
// a ticket's key restriction report as missing: a restricted caller cannot
// probe the rest of the namespace.
func (s *Service) Resolve(ctx context.Context, authz auth.AuthContext, scope string, keys []model.ContentKey) (res ResolveRes, err error) {
	defer func(t0 time.Time) { s.m.Record("Resolve", t0, err) }(time.Now())

	scope, err = authz.ResolveScope(scope)
	if err != nil {
		return ResolveRes{}, err
	}
	if !authz.CanRead {
		return ResolveRes{}, model.ErrForbidden
	}

	askable := make([]model.ContentKey, 0, len(keys))
	res.Missing = make([]model.ContentKey, 0, len(keys))
	for _, key := range keys {
		if !key.IsValid() {
			return ResolveRes{}, &model.BadKey{Value: key.String()}
		}
		if authz.CheckReadAccess(key) != nil {
			res.Missing = append(res.Missing, key)
			continue
		}
		askable = append(askable, key)
	}

	found, missing, err := s.owners.Check(scope, askable)
	if err != nil {
		return ResolveRes{}, err
	}
	res.Found = found
	res.Missing = append(res.Missing, missing...)
	return res, nil
}

// PutNode uploads one node under its content key and claims it for the scope.
// A write ticket consumes its write-once slot here: the slot is reserved
// before any byte is stored, and released again if storage fails.
func (s *Service) PutNode(ctx context.Context, authz auth.AuthContext, scope string, key model.ContentKey, data []byte, contentType string) (res PutRes, err error) {
	defer func(t0 time.Time) { s.m.Record("PutNode", t0, err) }(time.Now())

	scope, err = authz.ResolveScope(scope)
	if err != nil {
		return PutRes{}, err
	}
	if err = authz.CheckWriteAccess(); err != nil {
		return PutRes{}, err
	}

	if authz.Kind == model.KindTicket {
		if !acceptsContentType(authz.AcceptedContentTypes, contentType) {
			return PutRes{}, model.ErrContentTypeRejected
		}
		if authz.WriteQuota > 0 && int64(len(data)) > authz.WriteQuota {
			return PutRes{}, model.ErrQuotaExceeded
		}

		won, werr := s.creds.MarkTicketWritten(authz.CredentialID, key)
		if werr != nil && !errors.Is(werr, store.ConditionFailed) {
			return PutRes{}, werr
		}
		if !won {
			return PutRes{}, model.ErrAlreadyWritten
		}
		defer func() {
			if err == nil {
				return
			}
			// the reservation must not outlive a failed write
			if rerr := s.creds.RevertTicketWrite(authz.CredentialID); rerr != nil {
				s.l.Error("cannot release write-once slot",
					zap.Stringer("key", key),
					zap.Error(rerr),
				)
			}
		}()
	}

	put, err := s.content.Put(ctx, key, data, contentType)
	if err != nil {
		return PutRes{}, err
	}

	err = s.owners.Add(model.OwnershipRecord{
		Scope:       scope,
		Key:         put.Key,
		CreatedAt:   s.now(),
		CreatedBy:   authz.CredentialID,
		ContentType: contentType,
		Size:        put.Size,
	})
	if err != nil {
		return PutRes{}, err
	}

	s.l.Info("node stored",
		zap.Stringer("key", put.Key),
		zap.String("scope", scope),
		zap.Bool("dedup", put.Found),
	)
	return PutRes{Key: put.Key, Size: put.Size, Found: put.Found}, nil
}

// GetNode returns a node's bytes after the three gates: scope equality, the
// caller's key restriction, and the scope's ownership claim. A key the scope
// does not own reads as not found, exactly like a key nobody ever stored.
func (s *Service) GetNode(ctx context.Context, authz auth.AuthContext, scope string, key model.ContentKey) (data []byte, contentType string, err error) {
	defer func(t0 time.Time) { s.m.Record("GetNode", t0, err) }(time.Now())

	if err = s.checkRead(authz, scope, key); err != nil {
		return nil, "", err
	}
	return s.content.Get(ctx, key)
}

// StatNode returns a node's structural metadata under the same gates as GetNode
func (s *Service) StatNode(ctx context.Context, authz auth.AuthContext, scope string, key model.ContentKey) (model.NodeInfo, error) {
	if err := s.checkRead(authz, scope, key); err != nil {
		return model.NodeInfo{}, err
	}
	info, err := s.index.GetNode(key)
	if err != nil {
		if errors.Is(err, store.NodeNotFound) {
			return model.NodeInfo{}, model.ErrNotFound
		}
		return model.NodeInfo{}, err
	}
	return info, nil
}

// DagManifest expands the transitive closure beneath an owned root
func (s *Service) DagManifest(ctx context.Context, authz auth.AuthContext, scope string, root model.ContentKey) (nodes []model.NodeInfo, err error) {
	defer func(t0 time.Time) { s.m.Record("DagManifest", t0, err) }(time.Now())

	if err = s.checkRead(authz, scope, root); err != nil {
		return nil, err
	}
	nodes, err = cas.TransitiveNodes(ctx, s.index, root, s.dagOpts...)
	if err != nil {
		if errors.Is(err, store.NodeNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return nodes, nil
}

// ListOwned pages through the scope's ownership records, newest first
func (s *Service) ListOwned(ctx context.Context, authz auth.AuthContext, scope string, limit int, cursor string) ([]model.OwnershipRecord, string, error) {
	scope, err := authz.ResolveScope(scope)
	if err != nil {
		return nil, "", err
	}
	if !authz.CanRead {
		return nil, "", model.ErrForbidden
	}
	if authz.AllowedKeys != nil {
		// key-restricted callers do not get to enumerate the scope
		return nil, "", model.ErrForbidden
	}
	return s.owners.List(scope, limit, cursor)
}

// ForgetNode drops the scope's claim over a key. The bytes stay: another
// scope may hold the same key, and unreferenced content is a storage
// concern, not a correctness one.
func (s *Service) ForgetNode(ctx context.Context, authz auth.AuthContext, scope string, key model.ContentKey) error {
	scope, err := authz.ResolveScope(scope)
	if err != nil {
		return err
	}
	if authz.Kind == model.KindTicket {
		return model.ErrForbidden
	}
	if err = authz.CheckWriteAccess(); err != nil {
		return err
	}
	has, err := s.owners.Has(scope, key)
	if err != nil {
		return err
	}
	if !has {
		return model.ErrNotFound
	}
	if err = s.owners.Remove(scope, key); err != nil {
		return err
	}
	s.l.Info("ownership claim dropped",
		zap.Stringer("key", key),
		zap.String("scope", scope),
	)
	return nil
}

// ReadClosure is the closure resolver handed to the ticket issuer: a read
// ticket minted for an owned root covers every key reachable from it. An
// unowned root cannot be expanded, so a ticket never escapes its scope.
func (s *Service) ReadClosure(ctx context.Context, scope string, root model.ContentKey) ([]model.ContentKey, error) {
	has, err := s.owners.Has(scope, root)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, model.ErrNotFound
	}
	keys, err := cas.TransitiveKeys(ctx, s.index, root, s.dagOpts...)
	if err != nil {
		if errors.Is(err, store.NodeNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return keys, nil
}

func (s *Service) checkRead(authz auth.AuthContext, scope string, key model.ContentKey) error {
	scope, err := authz.ResolveScope(scope)
	if err != nil {
		return err
	}
	if err = authz.CheckReadAccess(key); err != nil {
		return err
	}
	if !key.IsValid() {
		return &model.BadKey{Value: key.String()}
	}
	has, err := s.owners.Has(scope, key)
	if err != nil {
		return err
	}
	if !has {
		return model.ErrNotFound
	}
	return nil
}

func acceptsContentType(accepted []string, ct string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if a == ct {
			return true
		}
	}
	return false
}
