package bdgr

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
	"github.com/dgraph-io/badger/v3"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const credentialsDb = "credentials"

var credPref = []byte("cred:")

func badgerRewriteCredentialError(err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return store.CredentialNotFound
	case errors.Is(err, badger.ErrEmptyKey):
		return store.IDIsRequired
	default:
		return err
	}
}

// CredentialOption configures the badger credential store
type CredentialOption func(*credentialStore)

// CredentialClock overrides the wall clock used for lazy expiry
func CredentialClock(now func() time.Time) CredentialOption {
	return func(c *credentialStore) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCredentialStore creates a badger based credential store
func NewCredentialStore(baseDir string, opts ...CredentialOption) store.CredentialStore {
	c := &credentialStore{
		baseDir: baseDir,
		now:     time.Now,
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

type credentialStore struct {
	baseDir string
	db      *badger.DB
	now     func() time.Time
	init    sync.Once
	close   sync.Once
}

func (c *credentialStore) Initialize() error {
	var err error
	c.init.Do(func() {
		var db *badger.DB
		db, err = makeBadgerDb(filepath.Join(c.baseDir, credentialsDb))
		if err != nil {
			return
		}
		c.db = db
	})
	return err
}

func (c *credentialStore) Close() error {
	var err error
	c.close.Do(func() {
		if c.db != nil {
			err = c.db.Close()
			if err == nil {
				c.db = nil
			}
		}
	})
	return err
}

func (c *credentialStore) rowKey(id string) []byte {
	return append(credPref[:len(credPref):len(credPref)], id...)
}

func (c *credentialStore) Create(cred *model.Credential) error {
	if cred == nil || cred.ID == "" {
		return store.IDIsRequired
	}
	data, err := jsoniter.Marshal(cred)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return badgerRewriteCredentialError(txn.Set(c.rowKey(cred.ID), data))
	})
}

func (c *credentialStore) Get(id string) (*model.Credential, error) {
	if id == "" {
		return nil, store.IDIsRequired
	}
	var cred model.Credential
	berr := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.rowKey(id))
		if err != nil {
			return badgerRewriteCredentialError(err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return badgerRewriteCredentialError(err)
		}
		return jsoniter.Unmarshal(data, &cred)
	})
	if berr != nil {
		return nil, berr
	}
	// lazy expiry: the row may physically remain, readers never see it
	if cred.Expired(c.now()) {
		return nil, store.CredentialNotFound
	}
	return &cred, nil
}

func (c *credentialStore) Delete(id string) error {
	if id == "" {
		return store.IDIsRequired
	}
	return c.db.Update(func(txn *badger.Txn) error {
		err := badgerRewriteCredentialError(txn.Delete(c.rowKey(id)))
		if errors.Is(err, store.CredentialNotFound) {
			return nil
		}
		return err
	})
}

func (c *credentialStore) MarkTicketWritten(id string, root model.ContentKey) (bool, error) {
	if id == "" {
		return false, store.IDIsRequired
	}
	var won bool
	berr := c.db.Update(func(txn *badger.Txn) error {
		won = false
		item, err := txn.Get(c.rowKey(id))
		if err != nil {
			return badgerRewriteCredentialError(err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return badgerRewriteCredentialError(err)
		}
		var cred model.Credential
		if err = jsoniter.Unmarshal(data, &cred); err != nil {
			return err
		}
		if cred.Kind != model.KindTicket || cred.Ticket == nil {
			return store.NotATicket
		}
		if cred.Ticket.Written != nil {
			// slot already consumed, commit nothing
			return nil
		}
		cred.Ticket.Written = &root
		updated, err := jsoniter.Marshal(&cred)
		if err != nil {
			return err
		}
		if err = txn.Set(c.rowKey(id), updated); err != nil {
			return err
		}
		won = true
		return nil
	})
	if berr != nil {
		if errors.Is(berr, badger.ErrConflict) {
			// a concurrent consumer beat this transaction to the slot
			return false, store.ConditionFailed
		}
		return false, berr
	}
	return won, nil
}

func (c *credentialStore) RevertTicketWrite(id string) error {
	if id == "" {
		return store.IDIsRequired
	}
	return c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(c.rowKey(id))
		if err != nil {
			return badgerRewriteCredentialError(err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return badgerRewriteCredentialError(err)
		}
		var cred model.Credential
		if err = jsoniter.Unmarshal(data, &cred); err != nil {
			return err
		}
		if cred.Kind != model.KindTicket || cred.Ticket == nil {
			return store.NotATicket
		}
		if cred.Ticket.Written == nil {
			return nil
		}
		cred.Ticket.Written = nil
		updated, err := jsoniter.Marshal(&cred)
		if err != nil {
			return err
		}
		return txn.Set(c.rowKey(id), updated)
	})
}
