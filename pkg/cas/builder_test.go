package cas

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/casket-io/casket/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	uploads map[model.ContentKey][]byte
	types   map[model.ContentKey]string
}

func newCaptureSink() *captureSink {
	return &captureSink{
		uploads: make(map[model.ContentKey][]byte),
		types:   make(map[model.ContentKey]string),
	}
}

func (c *captureSink) upload(_ context.Context, key model.ContentKey, data []byte, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads[key] = append([]byte(nil), data...)
	c.types[key] = contentType
	return nil
}

func TestBuilder_SmallContentIsASingleChunk(t *testing.T) {
	sink := newCaptureSink()
	b := NewBuilder(sink.upload, BuilderThreshold(1024))

	root, node, err := b.BuildFile(context.Background(), bytes.NewBufferString("hello"), "text/plain")
	require.NoError(t, err)
	assert.Nil(t, node, "no manifest needed below the threshold")
	assert.Equal(t, ComputeKey([]byte("hello")), root)
	assert.Equal(t, []byte("hello"), sink.uploads[root])
}

func TestBuilder_LargeContentSplitsIntoManifest(t *testing.T) {
	sink := newCaptureSink()
	b := NewBuilder(sink.upload, BuilderThreshold(4))

	payload := []byte("0123456789") // 3 chunks at threshold 4: 4+4+2
	root, node, err := b.BuildFile(context.Background(), bytes.NewReader(payload), "text/plain")
	require.NoError(t, err)
	require.NotNil(t, node)

	assert.Equal(t, model.KindFile, node.Kind)
	assert.Equal(t, []int64{4, 4, 2}, node.ChunkSizes)
	assert.Equal(t, int64(10), node.Size)
	assert.Equal(t, "text/plain", node.ContentType)
	require.Len(t, node.Chunks, 3)

	// chunk keys commit to their exact bytes, in stream order
	assert.Equal(t, ComputeKey([]byte("0123")), node.Chunks[0])
	assert.Equal(t, ComputeKey([]byte("4567")), node.Chunks[1])
	assert.Equal(t, ComputeKey([]byte("89")), node.Chunks[2])

	// the root is the manifest's canonical bytes, hashed
	canonical, err := node.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, ComputeKey(canonical), root)
	assert.Equal(t, model.NodeContentType, sink.types[root])

	// reassembling the chunks restores the payload
	var rebuilt []byte
	for _, ck := range node.Chunks {
		rebuilt = append(rebuilt, sink.uploads[ck]...)
	}
	assert.Equal(t, payload, rebuilt)
}

func TestBuilder_EmptyContent(t *testing.T) {
	sink := newCaptureSink()
	b := NewBuilder(sink.upload)

	root, node, err := b.BuildFile(context.Background(), bytes.NewReader(nil), "text/plain")
	require.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, ComputeKey(nil), root)
	_, uploaded := sink.uploads[root]
	assert.True(t, uploaded, "the empty chunk is still addressable content")
}

func TestBuilder_BuildChunkSplitsOversizeIntoParts(t *testing.T) {
	sink := newCaptureSink()
	b := NewBuilder(sink.upload, BuilderThreshold(4))

	small := []byte("tiny")
	key, node, err := b.BuildChunk(context.Background(), small)
	require.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, ComputeKey(small), key)

	big := []byte("0123456789")
	root, node, err := b.BuildChunk(context.Background(), big)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, model.KindChunk, node.Kind)
	assert.Equal(t, int64(10), node.Size)
	require.Len(t, node.Parts, 3)
	assert.Equal(t, ComputeKey([]byte("0123")), node.Parts[0])

	canonical, err := node.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, ComputeKey(canonical), root)
	assert.Equal(t, model.NodeContentType, sink.types[root])
}

func TestBuilder_BuildCollection(t *testing.T) {
	sink := newCaptureSink()
	b := NewBuilder(sink.upload)

	a, bkey := ComputeKey([]byte("a")), ComputeKey([]byte("b"))
	root, node, err := b.BuildCollection(context.Background(), map[string]model.NodeInfo{
		"a.txt": {Key: a, Size: 1},
		"b.txt": {Key: bkey, Size: 2},
	})
	require.NoError(t, err)
	require.NotNil(t, node)

	assert.Equal(t, model.KindCollection, node.Kind)
	assert.Equal(t, int64(3), node.Size)
	assert.Equal(t, a, node.Entries["a.txt"])
	assert.Equal(t, bkey, node.Entries["b.txt"])

	canonical, err := node.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, ComputeKey(canonical), root)
}

func TestBuilder_MutatingLeafChangesEveryAncestorKey(t *testing.T) {
	sink := newCaptureSink()
	b := NewBuilder(sink.upload, BuilderThreshold(4))

	ctx := context.Background()
	root1, file1, err := b.BuildFile(ctx, bytes.NewBufferString("abcdefgh"), "text/plain")
	require.NoError(t, err)

	// flip one byte in the first leaf
	root2, file2, err := b.BuildFile(ctx, bytes.NewBufferString("Xbcdefgh"), "text/plain")
	require.NoError(t, err)

	assert.NotEqual(t, file1.Chunks[0], file2.Chunks[0])
	assert.Equal(t, file1.Chunks[1], file2.Chunks[1], "untouched leaf keeps its key")
	assert.NotEqual(t, root1, root2, "ancestor key must change")

	// wrap both files in collections: the change propagates to the top
	cRoot1, _, err := b.BuildCollection(ctx, map[string]model.NodeInfo{"f": {Key: root1, Size: 8}})
	require.NoError(t, err)
	cRoot2, _, err := b.BuildCollection(ctx, map[string]model.NodeInfo{"f": {Key: root2, Size: 8}})
	require.NoError(t, err)
	assert.NotEqual(t, cRoot1, cRoot2)
}
