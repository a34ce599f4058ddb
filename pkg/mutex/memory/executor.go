// Package memory is an in-process mutex.Executor. It is the reference for the
// conditional-update semantics the store-backed executors implement and backs
// the "memory" store type for local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/repository/document"
)

// Executor keeps one collection in a map guarded by a single mutex, which makes
// every conditional update trivially atomic per record.
type Executor struct {
	mu         sync.Mutex
	collection string
	docs       map[string]*mutex.Record
	closed     bool
}

var _ mutex.Executor = (*Executor)(nil)

func New(collection string) *Executor {
	return &Executor{collection: collection, docs: map[string]*mutex.Record{}}
}

func (e *Executor) Collection() string { return e.collection }

func (e *Executor) Get(_ context.Context, key string, fields []string) (*mutex.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, mutex.ErrClosed
	}
	doc, ok := e.docs[key]
	if !ok {
		return nil, mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	return doc.Project(fields), nil
}

func (e *Executor) Exists(_ context.Context, key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, mutex.ErrClosed
	}
	_, ok := e.docs[key]
	return ok, nil
}

func (e *Executor) Insert(_ context.Context, rec *mutex.Record, overwrite bool) (*mutex.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, mutex.ErrClosed
	}
	if _, ok := e.docs[rec.Key]; ok && !overwrite {
		return nil, mutex.NewError(mutex.ErrAlreadyExists, "key %q", rec.Key)
	}
	doc := rec.Clone()
	if doc.Fields == nil {
		doc.Fields = map[string]interface{}{}
	}
	e.docs[doc.Key] = doc
	return doc.Clone(), nil
}

func (e *Executor) Update(_ context.Context, rec *mutex.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return mutex.ErrClosed
	}
	doc, ok := e.docs[rec.Key]
	if !ok {
		return mutex.NewError(mutex.ErrNotFound, "key %q", rec.Key)
	}
	doc.Fields = rec.Clone().Fields
	return nil
}

func (e *Executor) Remove(_ context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return mutex.ErrClosed
	}
	if _, ok := e.docs[key]; !ok {
		return mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	delete(e.docs, key)
	return nil
}

func (e *Executor) ClaimKeys(_ context.Context, keys []string, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, mutex.ErrClosed
	}
	out := make([]*mutex.Record, 0, len(keys))
	for _, k := range keys {
		doc, ok := e.docs[k]
		if !ok || !doc.Lease.Expired(claim.Now) {
			continue
		}
		doc.Lease = mutex.ActiveLease(claim.Lease)
		out = append(out, doc.Project(fields))
	}
	return out, nil
}

func (e *Executor) ClaimMatching(_ context.Context, q document.Query, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, mutex.ErrClosed
	}

	candidates := make([]*mutex.Record, 0)
	for _, doc := range e.docs {
		if doc.Lease.Expired(claim.Now) && q.Filter.Matches(doc.Fields) {
			candidates = append(candidates, doc)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if document.Less(a.Fields, b.Fields, q.Sort) {
			return true
		}
		if document.Less(b.Fields, a.Fields, q.Sort) {
			return false
		}
		return a.Key < b.Key
	})
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}

	out := make([]*mutex.Record, 0, len(candidates))
	for _, doc := range candidates {
		doc.Lease = mutex.ActiveLease(claim.Lease)
		out = append(out, doc.Project(fields))
	}
	return out, nil
}

func (e *Executor) Renew(_ context.Context, keys []string, owner, token string, expiresAt time.Time) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, mutex.ErrClosed
	}
	matched := make([]string, 0, len(keys))
	for _, k := range keys {
		doc, ok := e.docs[k]
		if !ok || !doc.Lease.HeldBy(owner, token) {
			continue
		}
		doc.Lease = mutex.ActiveLease(mutex.LeaseState{Owner: owner, Token: token, ExpiresAt: expiresAt})
		matched = append(matched, k)
	}
	return matched, nil
}

func (e *Executor) Clear(_ context.Context, keys []string, owner, token string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, mutex.ErrClosed
	}
	cleared := make([]string, 0, len(keys))
	for _, k := range keys {
		doc, ok := e.docs[k]
		if !ok || !doc.Lease.HeldBy(owner, token) {
			continue
		}
		doc.Lease = mutex.ClearedLease()
		cleared = append(cleared, k)
	}
	return cleared, nil
}

func (e *Executor) ClearOwner(_ context.Context, owner string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, mutex.ErrClosed
	}
	var n int64
	for _, doc := range e.docs {
		if state, ok := doc.Lease.State(); ok && state.Owner == owner {
			doc.Lease = mutex.ClearedLease()
			n++
		}
	}
	return n, nil
}

func (e *Executor) HealthCheck(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return mutex.ErrClosed
	}
	return nil
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Snapshot returns a copy of the stored record, lease included. Intended for
// inspection and tests.
func (e *Executor) Snapshot(key string) (*mutex.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[key]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// SetLease overwrites the stored lease of key; it reports false when the key is absent.
func (e *Executor) SetLease(key string, lease mutex.LeaseField) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[key]
	if !ok {
		return false
	}
	doc.Lease = lease
	return true
}
