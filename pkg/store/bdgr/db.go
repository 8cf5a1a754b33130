// Package bdgr implements the casket store interfaces on badger.
//
// Each store opens its own database under a base directory. The write-once
// ticket transition relies on badger's serializable transactions: the check
// and the set commit together or not at all.
package bdgr

import (
	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

func makeBadgerDb(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger db at %q", path)
	}
	return db, nil
}
