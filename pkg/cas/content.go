package cas

import (
	"bytes"
	"context"
	"time"

	"github.com/casket-io/casket/pkg/metrics"
	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/storage"
	"github.com/casket-io/casket/pkg/store"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PutRes holds the result from a Put operation
type PutRes struct {
	Key   model.ContentKey // the verified key the content lives under
	Size  int64            // bytes of represented content, not wire size
	Found bool             // the key already existed: write was an idempotent no-op
}

// Store provides content-addressed, hash-verified blob operations
type Store interface {
	Put(ctx context.Context, expected model.ContentKey, data []byte, contentType string) (PutRes, error)
	Get(ctx context.Context, key model.ContentKey) ([]byte, string, error)
	Has(ctx context.Context, key model.ContentKey) (bool, error)
}

var _ Store = &contentStore{}

// NewStore creates a content store over a blob backend and a DAG index
func NewStore(blobs storage.Store, index store.DAGStore, opts ...Option) (Store, error) {
	s := defaultsForStore(blobs, index)
	for _, apply := range opts {
		apply(s)
	}

	if s.chunkThreshold == 0 || s.chunkThreshold > MaxChunkThreshold {
		return nil, errors.Errorf("chunk threshold %d out of range (0, %d]", s.chunkThreshold, MaxChunkThreshold)
	}

	var err error
	s.cache, err = lru.New(s.cacheEntries)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type contentStore struct {
	blobs storage.Store
	index store.DAGStore
	l     *zap.Logger
	m     *metrics.M

	cache        *lru.Cache // holds verified small blobs for hot reads
	cacheEntries int

	chunkThreshold uint32
	maxObjectSize  int64
	verifyOnRead   bool
}

func (s *contentStore) Put(ctx context.Context, expected model.ContentKey, data []byte, contentType string) (res PutRes, err error) {
	defer func(t0 time.Time) {
		s.m.Record("Put", t0, err)
	}(time.Now())

	if !expected.IsValid() {
		return PutRes{}, &model.BadKey{Value: expected.String()}
	}
	if int64(len(data)) > s.maxObjectSize {
		return PutRes{}, storage.ErrObjectTooBig
	}

	// never trust a caller-asserted key
	actual := ComputeKey(data)
	if actual != expected {
		return PutRes{}, &model.HashMismatch{Expected: expected, Actual: actual}
	}

	info := model.NodeInfo{
		Key:         expected,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	if contentType == model.NodeContentType {
		node, uerr := model.UnmarshalNode(data)
		if uerr != nil {
			return PutRes{}, uerr
		}
		if uerr = node.Validate(); uerr != nil {
			return PutRes{}, uerr
		}
		info.Children = node.Children()
		info.Size = node.Size
	} else if uint32(len(data)) > s.chunkThreshold {
		return PutRes{}, errors.Wrapf(ErrChunkTooLarge, "%d bytes exceed the %d chunk threshold", len(data), s.chunkThreshold)
	}

	lg := s.l.With(zap.Stringer("key", expected))

	found, err := s.blobs.Has(ctx, expected.String())
	if err != nil {
		return PutRes{}, err
	}
	if !found {
		err = s.blobs.Put(ctx, expected.String(), bytes.NewReader(data), storage.NewOnly)
		switch {
		case errors.Is(err, storage.ErrExists):
			// a concurrent upload of identical bytes won the exclusive
			// write, converge on it
			lg.Debug("content blob raced, converging", zap.Int("bytes", len(data)))
			found = true
			err = nil
		case err != nil:
			return PutRes{}, err
		default:
			lg.Debug("content blob written", zap.Int("bytes", len(data)))
			s.m.IO("write", int64(len(data)))
		}
	} else {
		lg.Debug("content blob deduplicated")
	}

	// structural metadata is a pure function of the bytes, so recording it
	// again on a dedup hit changes nothing
	if err = s.index.PutNode(info); err != nil {
		return PutRes{}, err
	}

	return PutRes{Key: expected, Size: info.Size, Found: found}, nil
}

func (s *contentStore) Get(ctx context.Context, key model.ContentKey) (data []byte, contentType string, err error) {
	defer func(t0 time.Time) {
		s.m.Record("Get", t0, err)
	}(time.Now())

	if !key.IsValid() {
		return nil, "", &model.BadKey{Value: key.String()}
	}

	contentType = s.contentTypeFor(key)

	if cached, ok := s.cache.Get(key); ok {
		buf := cached.([]byte)
		out := make([]byte, len(buf))
		copy(out, buf)
		s.m.IO("read", int64(len(out)))
		return out, contentType, nil
	}

	rdr, err := s.blobs.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", model.ErrNotFound
		}
		return nil, "", err
	}
	defer rdr.Close()

	data, err = storage.ReadAllBounded(rdr, s.maxObjectSize)
	if err != nil {
		return nil, "", err
	}

	if s.verifyOnRead {
		if actual := ComputeKey(data); actual != key {
			s.l.Error("stored blob fails verification",
				zap.Stringer("key", key),
				zap.Stringer("actual", actual),
			)
			return nil, "", &model.HashMismatch{Expected: key, Actual: actual}
		}
	}

	if uint32(len(data)) <= s.chunkThreshold {
		// cache a private copy: callers own the returned slice
		cached := make([]byte, len(data))
		copy(cached, data)
		s.cache.Add(key, cached)
	}
	s.m.IO("read", int64(len(data)))
	return data, contentType, nil
}

func (s *contentStore) Has(ctx context.Context, key model.ContentKey) (bool, error) {
	if !key.IsValid() {
		return false, &model.BadKey{Value: key.String()}
	}
	if s.cache.Contains(key) {
		return true, nil
	}
	return s.blobs.Has(ctx, key.String())
}

func (s *contentStore) contentTypeFor(key model.ContentKey) string {
	info, err := s.index.GetNode(key)
	if err != nil || info.ContentType == "" {
		return DefaultContentType
	}
	return info.ContentType
}
