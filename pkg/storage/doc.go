// Package storage abstracts the blob backend holding raw node bytes.
//
// Objects are named by their content key, so the backend needs nothing more
// than put/get/has/delete over opaque names. The local filesystem
// implementation under localfs is the reference; any object store with the
// same semantics can stand in.
package storage
