package cas

import (
	"github.com/casket-io/casket/pkg/metrics"
	"github.com/casket-io/casket/pkg/storage"
	"github.com/casket-io/casket/pkg/store"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

type errString string

func (e errString) Error() string { return string(e) }

// ErrChunkTooLarge is returned when raw chunk bytes exceed the configured
// threshold: such content must be split into parts client-side
const ErrChunkTooLarge errString = "chunk exceeds size threshold"

const (
	// DefaultChunkThreshold bounds raw chunk nodes (1 MiB)
	DefaultChunkThreshold uint32 = 1 * units.MiB

	// MaxChunkThreshold is the hard ceiling for the configurable threshold
	MaxChunkThreshold uint32 = 16 * units.MiB

	// DefaultMaxObjectSize bounds any single object read into memory
	DefaultMaxObjectSize int64 = 64 * units.MiB

	// DefaultCacheEntries sizes the hot blob LRU cache
	DefaultCacheEntries = 256

	// DefaultContentType is assumed when no metadata is recorded for a key
	DefaultContentType = "application/octet-stream"
)

// Option configures a content store
type Option func(*contentStore)

func defaultsForStore(blobs storage.Store, index store.DAGStore) *contentStore {
	return &contentStore{
		blobs:          blobs,
		index:          index,
		l:              zap.NewNop(),
		chunkThreshold: DefaultChunkThreshold,
		maxObjectSize:  DefaultMaxObjectSize,
		cacheEntries:   DefaultCacheEntries,
		verifyOnRead:   true,
	}
}

// Logger injects a zap logger
func Logger(l *zap.Logger) Option {
	return func(s *contentStore) {
		if l != nil {
			s.l = l
		}
	}
}

// ChunkThreshold overrides the raw chunk size bound
func ChunkThreshold(threshold uint32) Option {
	return func(s *contentStore) {
		if threshold > 0 {
			s.chunkThreshold = threshold
		}
	}
}

// MaxObjectSize overrides the in-memory object bound
func MaxObjectSize(size int64) Option {
	return func(s *contentStore) {
		if size > 0 {
			s.maxObjectSize = size
		}
	}
}

// CacheEntries sizes the hot blob cache
func CacheEntries(n int) Option {
	return func(s *contentStore) {
		if n > 0 {
			s.cacheEntries = n
		}
	}
}

// VerifyOnRead toggles hash verification of blobs read back from the backend
func VerifyOnRead(verify bool) Option {
	return func(s *contentStore) {
		s.verifyOnRead = verify
	}
}

// WithMetrics injects prometheus collectors
func WithMetrics(m *metrics.M) Option {
	return func(s *contentStore) {
		s.m = m
	}
}
