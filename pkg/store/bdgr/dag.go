package bdgr

import (
	"path/filepath"
	"sync"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/dgraph-io/badger/v3"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const dagDb = "dag"

var dagPref = []byte("dag:")

// NewDAGStore creates a badger based DAG index
func NewDAGStore(baseDir string) store.DAGStore {
	return &dagStore{baseDir: baseDir}
}

type dagStore struct {
	baseDir string
	db      *badger.DB
	init    sync.Once
	close   sync.Once
}

func (d *dagStore) Initialize() error {
	var err error
	d.init.Do(func() {
		var db *badger.DB
		db, err = makeBadgerDb(filepath.Join(d.baseDir, dagDb))
		if err != nil {
			return
		}
		d.db = db
	})
	return err
}

func (d *dagStore) Close() error {
	var err error
	d.close.Do(func() {
		if d.db != nil {
			err = d.db.Close()
			if err == nil {
				d.db = nil
			}
		}
	})
	return err
}

func (d *dagStore) rowKey(key model.ContentKey) []byte {
	return append(dagPref[:len(dagPref):len(dagPref)], key.String()...)
}

func (d *dagStore) PutNode(info model.NodeInfo) error {
	if info.Key == "" {
		return store.IDIsRequired
	}
	data, err := jsoniter.Marshal(info)
	if err != nil {
		return err
	}
	// node info is a pure function of the node bytes: overwrites are
	// idempotent by construction
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.rowKey(info.Key), data)
	})
}

func (d *dagStore) GetNode(key model.ContentKey) (model.NodeInfo, error) {
	if key == "" {
		return model.NodeInfo{}, store.IDIsRequired
	}
	var info model.NodeInfo
	berr := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.rowKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.NodeNotFound
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return jsoniter.Unmarshal(data, &info)
	})
	if berr != nil {
		return model.NodeInfo{}, berr
	}
	return info, nil
}
