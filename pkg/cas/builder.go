package cas

import (
	"context"
	"io"
	"sync"

	"github.com/casket-io/casket/pkg/model"
	"go.uber.org/zap"
)

const maxConcurrentUploads = 10

// UploadFunc delivers one node to the server, typically a PUT against
// /cas/{scope}/node/{key} driven through the resolve-then-upload protocol.
type UploadFunc func(ctx context.Context, key model.ContentKey, data []byte, contentType string) error

// Builder splits a stream into chunk nodes below the threshold plus a file
// manifest referencing them, computing keys bottom-up so the resulting root
// key commits to every byte.
type Builder struct {
	threshold  uint32
	emit       UploadFunc
	l          *zap.Logger
	concurrent int
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// BuilderThreshold overrides the chunking threshold
func BuilderThreshold(threshold uint32) BuilderOption {
	return func(b *Builder) {
		if threshold > 0 {
			b.threshold = threshold
		}
	}
}

// BuilderLogger injects a zap logger
func BuilderLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.l = l
		}
	}
}

// BuilderConcurrency bounds parallel chunk uploads
func BuilderConcurrency(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrent = n
		}
	}
}

// NewBuilder creates a builder emitting nodes through upload
func NewBuilder(upload UploadFunc, opts ...BuilderOption) *Builder {
	b := &Builder{
		threshold:  DefaultChunkThreshold,
		emit:       upload,
		l:          zap.NewNop(),
		concurrent: maxConcurrentUploads,
	}
	for _, apply := range opts {
		apply(b)
	}
	return b
}

// BuildFile consumes src and emits its chunks plus, when more than one chunk
// is needed, a file manifest. The returned key is the root: the single
// chunk's key for small content, the manifest's key otherwise.
func (b *Builder) BuildFile(ctx context.Context, src io.Reader, contentType string) (model.ContentKey, *model.Node, error) {
	var (
		chunkKeys  []model.ContentKey
		chunkSizes []int64
		total      int64

		wg        sync.WaitGroup
		semaphore = make(chan struct{}, b.concurrent)
		errC      = make(chan error, 1)
	)

	uploadAsync := func(key model.ContentKey, data []byte) {
		wg.Add(1)
		semaphore <- struct{}{}
		go func() {
			defer func() {
				<-semaphore
				wg.Done()
			}()
			if err := b.emit(ctx, key, data, DefaultContentType); err != nil {
				select {
				case errC <- err:
				default:
				}
			}
		}()
	}

	for {
		buf := make([]byte, b.threshold)
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			data := buf[:n]
			key := ComputeKey(data)
			b.l.Debug("chunk cut", zap.Stringer("key", key), zap.Int("bytes", n))
			chunkKeys = append(chunkKeys, key)
			chunkSizes = append(chunkSizes, int64(n))
			total += int64(n)
			uploadAsync(key, data)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			wg.Wait()
			return "", nil, err
		}
	}

	wg.Wait()
	select {
	case err := <-errC:
		return "", nil, err
	default:
	}

	// zero-byte content is still addressable: a single empty chunk
	if len(chunkKeys) == 0 {
		key := ComputeKey(nil)
		if err := b.emit(ctx, key, []byte{}, DefaultContentType); err != nil {
			return "", nil, err
		}
		return key, nil, nil
	}

	if len(chunkKeys) == 1 {
		return chunkKeys[0], nil, nil
	}

	node := &model.Node{
		Kind:        model.KindFile,
		Chunks:      chunkKeys,
		ChunkSizes:  chunkSizes,
		ContentType: contentType,
		Size:        total,
	}
	root, err := b.emitNode(ctx, node)
	if err != nil {
		return "", nil, err
	}
	return root, node, nil
}

// BuildChunk emits a single logical chunk. Data at or below the threshold
// goes out as raw bytes; anything larger is split self-similarly into parts
// below the threshold, tied together by a chunk manifest.
func (b *Builder) BuildChunk(ctx context.Context, data []byte) (model.ContentKey, *model.Node, error) {
	if uint32(len(data)) <= b.threshold {
		key := ComputeKey(data)
		if err := b.emit(ctx, key, data, DefaultContentType); err != nil {
			return "", nil, err
		}
		return key, nil, nil
	}

	var parts []model.ContentKey
	for off := 0; off < len(data); off += int(b.threshold) {
		end := off + int(b.threshold)
		if end > len(data) {
			end = len(data)
		}
		part := data[off:end]
		key := ComputeKey(part)
		if err := b.emit(ctx, key, part, DefaultContentType); err != nil {
			return "", nil, err
		}
		parts = append(parts, key)
	}

	node := &model.Node{
		Kind:  model.KindChunk,
		Parts: parts,
		Size:  int64(len(data)),
	}
	root, err := b.emitNode(ctx, node)
	if err != nil {
		return "", nil, err
	}
	return root, node, nil
}

// BuildCollection emits a collection manifest over named children.
// The collection's size is the sum of the children's represented sizes.
func (b *Builder) BuildCollection(ctx context.Context, entries map[string]model.NodeInfo) (model.ContentKey, *model.Node, error) {
	node := &model.Node{
		Kind:    model.KindCollection,
		Entries: make(map[string]model.ContentKey, len(entries)),
	}
	for name, info := range entries {
		node.Entries[name] = info.Key
		node.Size += info.Size
	}
	root, err := b.emitNode(ctx, node)
	if err != nil {
		return "", nil, err
	}
	return root, node, nil
}

func (b *Builder) emitNode(ctx context.Context, node *model.Node) (model.ContentKey, error) {
	data, err := node.CanonicalBytes()
	if err != nil {
		return "", err
	}
	key := ComputeKey(data)
	b.l.Debug("manifest cut",
		zap.Stringer("key", key),
		zap.String("kind", string(node.Kind)),
		zap.Int64("size", node.Size),
	)
	if err = b.emit(ctx, key, data, model.NodeContentType); err != nil {
		return "", err
	}
	return key, nil
}
