package bdgr

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/dgraph-io/badger/v3"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const ownershipDb = "ownership"

// Row layout:
//
//	own:<scope>:<key>              -> OwnershipRecord (the claim itself)
//	ownix:<scope>:<invts>:<key>    -> <key>           (creation-time index)
//
// invts is an inverted zero-padded nanosecond timestamp, so a forward badger
// iteration over the index yields newest-first ordering and cursors remain
// stable positions under concurrent inserts.
var (
	ownPref   = []byte("own:")
	ownIxPref = []byte("ownix:")
)

func invertedStamp(nanos int64) string {
	return fmt.Sprintf("%020d", math.MaxInt64-nanos)
}

// NewOwnershipStore creates a badger based ownership store
func NewOwnershipStore(baseDir string) store.OwnershipStore {
	return &ownershipStore{baseDir: baseDir}
}

type ownershipStore struct {
	baseDir string
	db      *badger.DB
	init    sync.Once
	close   sync.Once
}

func (o *ownershipStore) Initialize() error {
	var err error
	o.init.Do(func() {
		var db *badger.DB
		db, err = makeBadgerDb(filepath.Join(o.baseDir, ownershipDb))
		if err != nil {
			return
		}
		o.db = db
	})
	return err
}

func (o *ownershipStore) Close() error {
	var err error
	o.close.Do(func() {
		if o.db != nil {
			err = o.db.Close()
			if err == nil {
				o.db = nil
			}
		}
	})
	return err
}

func (o *ownershipStore) rowKey(scope string, key model.ContentKey) []byte {
	return []byte(string(ownPref) + scope + ":" + key.String())
}

func (o *ownershipStore) indexKey(scope string, rec model.OwnershipRecord) []byte {
	return []byte(string(ownIxPref) + scope + ":" + invertedStamp(rec.CreatedAt.UnixNano()) + ":" + rec.Key.String())
}

func (o *ownershipStore) indexPrefix(scope string) []byte {
	return []byte(string(ownIxPref) + scope + ":")
}

func (o *ownershipStore) Add(rec model.OwnershipRecord) error {
	if rec.Scope == "" || rec.Key == "" {
		return store.IDIsRequired
	}
	return o.db.Update(func(txn *badger.Txn) error {
		rk := o.rowKey(rec.Scope, rec.Key)
		if _, err := txn.Get(rk); err == nil {
			// claim already present, append-only semantics make this a no-op
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := jsoniter.Marshal(rec)
		if err != nil {
			return err
		}
		if err = txn.Set(rk, data); err != nil {
			return err
		}
		return txn.Set(o.indexKey(rec.Scope, rec), []byte(rec.Key))
	})
}

func (o *ownershipStore) Has(scope string, key model.ContentKey) (bool, error) {
	if scope == "" || key == "" {
		return false, store.IDIsRequired
	}
	var has bool
	berr := o.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(o.rowKey(scope, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		has = true
		return nil
	})
	return has, berr
}

func (o *ownershipStore) Check(scope string, keys []model.ContentKey) (found, missing []model.ContentKey, err error) {
	if scope == "" {
		return nil, nil, store.IDIsRequired
	}
	berr := o.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			_, gerr := txn.Get(o.rowKey(scope, key))
			switch {
			case gerr == nil:
				found = append(found, key)
			case errors.Is(gerr, badger.ErrKeyNotFound):
				missing = append(missing, key)
			default:
				return gerr
			}
		}
		return nil
	})
	if berr != nil {
		return nil, nil, berr
	}
	return found, missing, nil
}

func (o *ownershipStore) List(scope string, limit int, cursor string) ([]model.OwnershipRecord, string, error) {
	if scope == "" {
		return nil, "", store.IDIsRequired
	}
	if limit <= 0 {
		limit = 100
	}
	prefix := o.indexPrefix(scope)
	if cursor != "" && !strings.HasPrefix(cursor, string(prefix)) {
		return nil, "", store.InvalidCursor
	}

	var (
		records []model.OwnershipRecord
		next    string
	)
	berr := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		if cursor != "" {
			it.Seek([]byte(cursor))
			// the cursor names the last row of the previous page
			if it.ValidForPrefix(prefix) && string(it.Item().Key()) == cursor {
				it.Next()
			}
		} else {
			it.Seek(prefix)
		}

		var lastReturned []byte
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(records) == limit {
				// more rows remain: resume from the last returned position
				next = string(lastReturned)
				break
			}
			keyVal, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(o.rowKey(scope, model.ContentKey(keyVal)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// claim removed after the index entry was cut, skip
				continue
			}
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec model.OwnershipRecord
			if err = jsoniter.Unmarshal(data, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			lastReturned = it.Item().KeyCopy(nil)
		}
		return nil
	})
	if berr != nil {
		return nil, "", berr
	}
	return records, next, nil
}

func (o *ownershipStore) Remove(scope string, key model.ContentKey) error {
	if scope == "" || key == "" {
		return store.IDIsRequired
	}
	return o.db.Update(func(txn *badger.Txn) error {
		rk := o.rowKey(scope, key)
		item, err := txn.Get(rk)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var rec model.OwnershipRecord
		if err = jsoniter.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err = txn.Delete(rk); err != nil {
			return err
		}
		return txn.Delete(o.indexKey(scope, rec))
	})
}
