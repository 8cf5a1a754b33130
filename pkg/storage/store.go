package storage

import (
	"context"
	"io"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	// ErrNotFound is returned when an object is absent from the backend
	ErrNotFound errString = "object not found"

	// ErrExists is returned by exclusive writes when the object already exists
	ErrExists errString = "object exists already"

	// ErrObjectTooBig is returned when an object exceeds the in-memory read bound
	ErrObjectTooBig errString = "object too big to be read into memory"
)

const (
	// OverWrite allows a Put to replace an existing object
	OverWrite = true

	// NewOnly makes a Put exclusive: it fails with ErrExists on an existing object
	NewOnly = false
)

// Store implementations know how to persist named blobs.
//
// Typically this is something file system-like. Examples are S3, local FS, NFS.
// Implementations of this interface are assumed to be fairly simple: the
// content-addressing logic above them never depends on backend specifics.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	Put(context.Context, string, io.Reader, bool) error
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
	Clear(context.Context) error
}

// PipeIO copies a reader to a writer with a fixed-size buffer
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(writer, reader, buf)
}

// ReadAllBounded reads an object fully into memory, guarding against
// unbounded allocations.
func ReadAllBounded(rdr io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rdr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrObjectTooBig
	}
	return b, nil
}
