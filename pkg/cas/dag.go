package cas

import (
	"context"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxDagNodes caps the transitive node set gathered by a traversal
	DefaultMaxDagNodes = 65536

	// DefaultMaxDagDepth caps traversal depth. Keys are content hashes of
	// children, so true cycles cannot exist, but malformed index rows could
	// still chain arbitrarily and the walk must stay bounded.
	DefaultMaxDagDepth = 512
)

// ErrDagTooLarge is returned when a traversal exceeds its safety caps
const ErrDagTooLarge errString = "dag exceeds traversal limits"

// DagOption tunes a traversal
type DagOption func(*dagWalk)

type dagWalk struct {
	maxNodes int
	maxDepth int
}

// MaxDagNodes overrides the node cap
func MaxDagNodes(n int) DagOption {
	return func(w *dagWalk) {
		if n > 0 {
			w.maxNodes = n
		}
	}
}

// MaxDagDepth overrides the depth cap
func MaxDagDepth(n int) DagOption {
	return func(w *dagWalk) {
		if n > 0 {
			w.maxDepth = n
		}
	}
}

// TransitiveNodes collects the transitive closure rooted at root, breadth
// first, deduplicating visited keys. Children referenced but absent from the
// index are reported as bare keys so a client can tell the DAG is incomplete.
//
// The root itself must exist: an unknown root yields store.NodeNotFound.
func TransitiveNodes(ctx context.Context, index store.DAGStore, root model.ContentKey, opts ...DagOption) ([]model.NodeInfo, error) {
	w := &dagWalk{
		maxNodes: DefaultMaxDagNodes,
		maxDepth: DefaultMaxDagDepth,
	}
	for _, apply := range opts {
		apply(w)
	}

	rootInfo, err := index.GetNode(root)
	if err != nil {
		return nil, err
	}

	type queued struct {
		key   model.ContentKey
		depth int
	}

	visited := map[model.ContentKey]bool{root: true}
	result := []model.NodeInfo{rootInfo}
	queue := make([]queued, 0, len(rootInfo.Children))
	for _, c := range rootInfo.Children {
		queue = append(queue, queued{key: c, depth: 1})
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		next := queue[0]
		queue = queue[1:]

		// a malicious index row could reference itself or an ancestor;
		// the visited set makes that a no-op rather than a loop
		if visited[next.key] {
			continue
		}
		visited[next.key] = true

		if len(result) >= w.maxNodes || next.depth > w.maxDepth {
			return nil, errors.Wrapf(ErrDagTooLarge, "rooted at %s", root)
		}

		info, err := index.GetNode(next.key)
		if errors.Is(err, store.NodeNotFound) {
			result = append(result, model.NodeInfo{Key: next.key})
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, info)
		for _, c := range info.Children {
			if !visited[c] {
				queue = append(queue, queued{key: c, depth: next.depth + 1})
			}
		}
	}
	return result, nil
}

// TransitiveKeys is TransitiveNodes reduced to the key set
func TransitiveKeys(ctx context.Context, index store.DAGStore, root model.ContentKey, opts ...DagOption) ([]model.ContentKey, error) {
	nodes, err := TransitiveNodes(ctx, index, root, opts...)
	if err != nil {
		return nil, err
	}
	keys := make([]model.ContentKey, 0, len(nodes))
	for _, n := range nodes {
		keys = append(keys, n.Key)
	}
	return keys, nil
}
