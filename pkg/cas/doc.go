// Package cas provides the content-addressed core: hashing, the verified
// content store, DAG traversal and client-side chunking.
//
// All content is indexed by the sha256 digest of its bytes. A write must
// assert the key it believes the content hashes to; the store recomputes the
// digest and rejects divergence, so a stored key always proves its bytes.
//
// Structured payloads are expressed as manifest nodes (file, collection, or
// chunk-with-parts) whose canonical JSON is itself content-addressed, making
// the whole DAG tamper-evident: altering any descendant changes its key,
// which changes every ancestor's key.
package cas
