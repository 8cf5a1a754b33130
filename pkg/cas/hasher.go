package cas

import (
	"encoding/hex"

	"github.com/casket-io/casket/pkg/model"
	sha256 "github.com/minio/sha256-simd"
)

// ComputeKey derives the content key of a byte sequence.
//
// The digest covers content only, never metadata: two uploads of the same
// bytes converge on the same key whatever their content type or owner.
func ComputeKey(data []byte) model.ContentKey {
	sum := sha256.Sum256(data)
	return model.ContentKey(model.KeyPrefix + hex.EncodeToString(sum[:]))
}

// KeyForNode derives the content key of a manifest node from its canonical bytes
func KeyForNode(n *model.Node) (model.ContentKey, error) {
	b, err := n.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return ComputeKey(b), nil
}
