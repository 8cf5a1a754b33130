// Package store defines the persistence contracts behind the service: the
// credential table, the per-scope ownership index and the DAG index.
//
// Implementations live in subpackages (bdgr for badger, inmem for tests and
// dev mode). The one concurrency-critical contract is
// CredentialStore.MarkTicketWritten, which must be a true single-round-trip
// conditional update so that a write ticket authorizes exactly one
// successful write even across horizontally scaled processes.
package store
