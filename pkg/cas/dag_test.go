package cas

import (
	"context"
	"testing"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/casket-io/casket/pkg/store/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyOf(s string) model.ContentKey {
	return ComputeKey([]byte(s))
}

func TestDag_TransitiveNodes(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	//      root
	//     /    \
	//   mid     c3
	//  /   \
	// c1    c2   (c2 shared with root via mid only)
	c1, c2, c3 := keyOf("c1"), keyOf("c2"), keyOf("c3")
	mid, root := keyOf("mid"), keyOf("root")

	require.NoError(t, index.PutNode(model.NodeInfo{Key: c1, Size: 1}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: c2, Size: 2}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: c3, Size: 3}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: mid, Children: []model.ContentKey{c1, c2}, Size: 3}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: root, Children: []model.ContentKey{mid, c3}, Size: 6}))

	nodes, err := TransitiveNodes(ctx, index, root)
	require.NoError(t, err)

	keys := make([]model.ContentKey, 0, len(nodes))
	for _, n := range nodes {
		keys = append(keys, n.Key)
	}
	assert.ElementsMatch(t, []model.ContentKey{root, mid, c1, c2, c3}, keys)
	assert.Equal(t, root, keys[0], "traversal starts at the root")
}

func TestDag_SharedChildVisitedOnce(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	shared := keyOf("shared")
	left, right, root := keyOf("left"), keyOf("right"), keyOf("top")

	require.NoError(t, index.PutNode(model.NodeInfo{Key: shared}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: left, Children: []model.ContentKey{shared}}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: right, Children: []model.ContentKey{shared}}))
	require.NoError(t, index.PutNode(model.NodeInfo{Key: root, Children: []model.ContentKey{left, right}}))

	keys, err := TransitiveKeys(ctx, index, root)
	require.NoError(t, err)
	assert.Len(t, keys, 4, "shared child appears exactly once")
}

func TestDag_DefendsAgainstSelfReference(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	// cryptographically impossible for honest data, still must terminate
	evil := keyOf("evil")
	require.NoError(t, index.PutNode(model.NodeInfo{Key: evil, Children: []model.ContentKey{evil}}))

	keys, err := TransitiveKeys(ctx, index, evil)
	require.NoError(t, err)
	assert.Equal(t, []model.ContentKey{evil}, keys)
}

func TestDag_MissingChildReportedBare(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	ghost := keyOf("ghost")
	root := keyOf("rooted")
	require.NoError(t, index.PutNode(model.NodeInfo{Key: root, Children: []model.ContentKey{ghost}, Size: 9}))

	nodes, err := TransitiveNodes(ctx, index, root)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, model.NodeInfo{Key: ghost}, nodes[1])
}

func TestDag_UnknownRoot(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	_, err := TransitiveNodes(ctx, index, keyOf("absent"))
	require.ErrorIs(t, err, store.NodeNotFound)
}

func TestDag_NodeCapEnforced(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	var children []model.ContentKey
	for i := 0; i < 10; i++ {
		k := keyOf(string(rune('a' + i)))
		children = append(children, k)
		require.NoError(t, index.PutNode(model.NodeInfo{Key: k}))
	}
	root := keyOf("wide")
	require.NoError(t, index.PutNode(model.NodeInfo{Key: root, Children: children}))

	_, err := TransitiveNodes(ctx, index, root, MaxDagNodes(3))
	require.ErrorIs(t, err, ErrDagTooLarge)
}

func TestDag_DepthCapEnforced(t *testing.T) {
	ctx := context.Background()
	index := inmem.NewDAGStore()

	prev := keyOf("leaf-deep")
	require.NoError(t, index.PutNode(model.NodeInfo{Key: prev}))
	var root model.ContentKey
	for i := 0; i < 10; i++ {
		root = keyOf(string(rune('A' + i)))
		require.NoError(t, index.PutNode(model.NodeInfo{Key: root, Children: []model.ContentKey{prev}}))
		prev = root
	}

	_, err := TransitiveNodes(ctx, index, root, MaxDagDepth(3))
	require.ErrorIs(t, err, ErrDagTooLarge)
}
