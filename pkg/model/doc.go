// Package model describes the base objects manipulated by casket.
//
// The object model is composed of:
//
//	Content keys:
//	  Every node is addressed by the sha256 digest of its canonical bytes.
//	  Identical content always maps to the identical key, which is what
//	  makes deduplication global and the DAG tamper-evident.
//
//	Nodes:
//	  A tagged union of chunk (raw bytes, possibly split into parts),
//	  file (ordered chunk list with per-chunk sizes and a content type)
//	  and collection (name to key mapping).
//
//	Credentials:
//	  A three-tier hierarchy narrowing privilege at each hop: user token,
//	  agent token, ticket. Tickets are short-lived capabilities pinned to
//	  a key set (read) or to a single write-once slot (write).
//
//	Ownership records:
//	  The per-scope claim over a key. Presence of a record is the sole
//	  authority for read access within a scope.
package model
