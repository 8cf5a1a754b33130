// Package inmem provides mutex-guarded in-memory implementations of the
// store interfaces. They honor the same conditional-write contract as the
// badger stores and back tests and dev mode.
package inmem

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store"
)

// NewCredentialStore creates an in-memory credential store.
// A nil clock defaults to time.Now.
func NewCredentialStore(now func() time.Time) store.CredentialStore {
	if now == nil {
		now = time.Now
	}
	return &credentialStore{
		rows: make(map[string]model.Credential),
		now:  now,
	}
}

type credentialStore struct {
	mu   sync.Mutex
	rows map[string]model.Credential
	now  func() time.Time
}

func (c *credentialStore) Initialize() error { return nil }
func (c *credentialStore) Close() error      { return nil }

func (c *credentialStore) Create(cred *model.Credential) error {
	if cred == nil || cred.ID == "" {
		return store.IDIsRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[cred.ID] = cloneCredential(*cred)
	return nil
}

func (c *credentialStore) Get(id string) (*model.Credential, error) {
	if id == "" {
		return nil, store.IDIsRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.rows[id]
	if !ok || cred.Expired(c.now()) {
		return nil, store.CredentialNotFound
	}
	out := cloneCredential(cred)
	return &out, nil
}

func (c *credentialStore) Delete(id string) error {
	if id == "" {
		return store.IDIsRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, id)
	return nil
}

func (c *credentialStore) MarkTicketWritten(id string, root model.ContentKey) (bool, error) {
	if id == "" {
		return false, store.IDIsRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.rows[id]
	if !ok {
		return false, store.CredentialNotFound
	}
	if cred.Kind != model.KindTicket || cred.Ticket == nil {
		return false, store.NotATicket
	}
	if cred.Ticket.Written != nil {
		return false, nil
	}
	r := root
	cred.Ticket.Written = &r
	c.rows[id] = cred
	return true, nil
}

func (c *credentialStore) RevertTicketWrite(id string) error {
	if id == "" {
		return store.IDIsRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.rows[id]
	if !ok {
		return store.CredentialNotFound
	}
	if cred.Kind != model.KindTicket || cred.Ticket == nil {
		return store.NotATicket
	}
	cred.Ticket.Written = nil
	c.rows[id] = cred
	return nil
}

func cloneCredential(c model.Credential) model.Credential {
	if c.User != nil {
		u := *c.User
		c.User = &u
	}
	if c.Agent != nil {
		a := *c.Agent
		c.Agent = &a
	}
	if c.Ticket != nil {
		t := *c.Ticket
		t.ReadKeys = append([]model.ContentKey(nil), t.ReadKeys...)
		t.AcceptedContentTypes = append([]string(nil), t.AcceptedContentTypes...)
		if t.Written != nil {
			w := *t.Written
			t.Written = &w
		}
		c.Ticket = &t
	}
	return c
}

// NewOwnershipStore creates an in-memory ownership store
func NewOwnershipStore() store.OwnershipStore {
	return &ownershipStore{rows: make(map[string]model.OwnershipRecord)}
}

type ownershipStore struct {
	mu   sync.Mutex
	rows map[string]model.OwnershipRecord
}

func ownKey(scope string, key model.ContentKey) string {
	return scope + ":" + key.String()
}

func (o *ownershipStore) Initialize() error { return nil }
func (o *ownershipStore) Close() error      { return nil }

func (o *ownershipStore) Add(rec model.OwnershipRecord) error {
	if rec.Scope == "" || rec.Key == "" {
		return store.IDIsRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	k := ownKey(rec.Scope, rec.Key)
	if _, ok := o.rows[k]; ok {
		return nil
	}
	o.rows[k] = rec
	return nil
}

func (o *ownershipStore) Has(scope string, key model.ContentKey) (bool, error) {
	if scope == "" || key == "" {
		return false, store.IDIsRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.rows[ownKey(scope, key)]
	return ok, nil
}

func (o *ownershipStore) Check(scope string, keys []model.ContentKey) (found, missing []model.ContentKey, err error) {
	if scope == "" {
		return nil, nil, store.IDIsRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range keys {
		if _, ok := o.rows[ownKey(scope, key)]; ok {
			found = append(found, key)
		} else {
			missing = append(missing, key)
		}
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
	o.mu.Lock()
	defer o.mu.Unlock()

	recs := make([]model.OwnershipRecord, 0, len(o.rows))
	for k, rec := range o.rows {
		if strings.HasPrefix(k, scope+":") {
			recs = append(recs, rec)
		}
	}
	// newest first, key as tie breaker for a total order
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Key < recs[j].Key
	})

	start := 0
	if cursor != "" {
		found := false
		for i, rec := range recs {
			if cursorFor(rec) == cursor {
				start = i + 1
				found = true
				break
			}
			// cursors sort with their page: a vanished cursor row resumes
			// at the first position sorting after it
			if cursorFor(rec) > cursor {
				start = i
				found = true
				break
			}
		}
		if !found {
			start = len(recs)
		}
	}

	end := start + limit
	if end > len(recs) {
		end = len(recs)
	}
	page := append([]model.OwnershipRecord(nil), recs[start:end]...)
	next := ""
	if end < len(recs) && len(page) > 0 {
		next = cursorFor(page[len(page)-1])
	}
	return page, next, nil
}

// cursorFor mirrors the sort order: inverted creation stamp then key
func cursorFor(rec model.OwnershipRecord) string {
	inv := int64(^uint64(0)>>1) - rec.CreatedAt.UnixNano()
	return strings.Join([]string{pad20(inv), rec.Key.String()}, ":")
}

func pad20(v int64) string {
	s := "00000000000000000000"
	d := []byte(s)
	for i := len(d) - 1; i >= 0 && v > 0; i-- {
		d[i] = byte('0' + v%10)
		v /= 10
	}
	return string(d)
}

func (o *ownershipStore) Remove(scope string, key model.ContentKey) error {
	if scope == "" || key == "" {
		return store.IDIsRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.rows, ownKey(scope, key))
	return nil
}

// NewDAGStore creates an in-memory DAG index
func NewDAGStore() store.DAGStore {
	return &dagStore{rows: make(map[model.ContentKey]model.NodeInfo)}
}

type dagStore struct {
	mu   sync.Mutex
	rows map[model.ContentKey]model.NodeInfo
}

func (d *dagStore) Initialize() error { return nil }
func (d *dagStore) Close() error      { return nil }

func (d *dagStore) PutNode(info model.NodeInfo) error {
	if info.Key == "" {
		return store.IDIsRequired
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	info.Children = append([]model.ContentKey(nil), info.Children...)
	d.rows[info.Key] = info
	return nil
}

func (d *dagStore) GetNode(key model.ContentKey) (model.NodeInfo, error) {
	if key == "" {
		return model.NodeInfo{}, store.IDIsRequired
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.rows[key]
	if !ok {
		return model.NodeInfo{}, store.NodeNotFound
	}
	info.Children = append([]model.ContentKey(nil), info.Children...)
	return info, nil
}
