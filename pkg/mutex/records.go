package mutex

import (
	"context"

	"github.com/nimburion/docmutex/pkg/repository/document"
)

// Records exposes plain record CRUD on the engine's collection. Every call is
// retried while the store reports a write conflict.
type Records struct {
	exec Executor
}

// Records returns the CRUD view of the engine's collection.
func (e *Engine) Records() *Records {
	return &Records{exec: e.exec}
}

func (r *Records) Get(ctx context.Context, key string, fields ...string) (*Record, error) {
	var out *Record
	err := document.RetryOnConflict(ctx, func(ctx context.Context) error {
		rec, err := r.exec.Get(ctx, key, fields)
		out = rec
		return err
	})
	return out, err
}

func (r *Records) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := document.RetryOnConflict(ctx, func(ctx context.Context) error {
		ok, err := r.exec.Exists(ctx, key)
		out = ok
		return err
	})
	return out, err
}

// Insert stores rec. A caller-supplied lease is dropped: records enter the
// store unlocked unless created through AcquireOrCreate.
func (r *Records) Insert(ctx context.Context, rec *Record, overwrite bool) (*Record, error) {
	if rec == nil || rec.Key == "" {
		return nil, mutexError(ErrInvalidArgument, "record key is required")
	}
	doc := rec.Clone()
	doc.Lease = MissingLease()
	var out *Record
	err := document.RetryOnConflict(ctx, func(ctx context.Context) error {
		inserted, err := r.exec.Insert(ctx, doc, overwrite)
		out = inserted
		return err
	})
	return out, err
}

// Update replaces the payload of rec.Key; the lease is never modified.
func (r *Records) Update(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Key == "" {
		return mutexError(ErrInvalidArgument, "record key is required")
	}
	return document.RetryOnConflict(ctx, func(ctx context.Context) error {
		return r.exec.Update(ctx, rec)
	})
}

func (r *Records) Remove(ctx context.Context, key string) error {
	return document.RetryOnConflict(ctx, func(ctx context.Context) error {
		return r.exec.Remove(ctx, key)
	})
}
