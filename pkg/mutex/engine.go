package mutex

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/observability/metrics"
	"github.com/nimburion/docmutex/pkg/observability/tracing"
	"github.com/nimburion/docmutex/pkg/repository/document"
)

// AcquireOptions tunes single-record acquisition.
type AcquireOptions struct {
	// Fields projects the returned record; empty returns every field.
	Fields []string
	// Timeout bounds the polling; zero polls until the record is claimed or ctx ends.
	Timeout time.Duration
}

// Engine acquires leases on records of one collection through an Executor.
type Engine struct {
	exec Executor
	cfg  Config
	log  logger.Logger
}

// NewEngine validates cfg (after defaults) and binds it to exec.
func NewEngine(exec Executor, cfg Config, log logger.Logger) (*Engine, error) {
	if exec == nil {
		return nil, mutexError(ErrInvalidArgument, "executor is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{exec: exec, cfg: cfg, log: log}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Executor returns the store executor the engine runs against.
func (e *Engine) Executor() Executor { return e.exec }

// AcquireSingle polls until key is claimed for owner. It fails with ErrNotFound
// as soon as a failed attempt finds the record absent, and with ErrTimeout once
// opts.Timeout has elapsed.
func (e *Engine) AcquireSingle(ctx context.Context, key, owner string, opts AcquireOptions) (rec *Record, guard *Guard, err error) {
	if owner == "" {
		return nil, nil, mutexError(ErrInvalidArgument, "owner is required")
	}
	ctx, span := tracing.StartLeaseSpan(ctx, tracing.SpanOperationLeaseAcquire,
		tracing.WithLeaseCollection(e.exec.Collection()), tracing.WithLeaseOwner(owner), tracing.WithLeaseKeyCount(1))
	defer func() {
		tracing.End(span, err)
		metrics.RecordAcquire(e.exec.Collection(), "single", acquireStatus(err), boolToInt(rec != nil))
	}()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	existenceChecked := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil, mutexError(ErrTimeout, fmt.Sprintf("key %q not acquired within %s", key, opts.Timeout))
		}

		records, token, err := e.claimKeys(ctx, []string{key}, owner, opts.Fields)
		if err != nil {
			return nil, nil, err
		}
		if records[0] != nil {
			return records[0], newGuard(e.exec, e.cfg, e.log, owner, token, []string{key}), nil
		}

		if !existenceChecked {
			exists, err := e.exec.Exists(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			if !exists {
				return nil, nil, mutexError(ErrNotFound, fmt.Sprintf("key %q", key))
			}
			existenceChecked = true
		}

		wait := e.jitter()
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		if err := sleepContext(ctx, wait); err != nil {
			return nil, nil, err
		}
	}
}

// AcquireBatch makes one claim attempt over keys. The result is positional:
// slot i holds the record for keys[i] or nil when it was missing, already leased,
// or a repeat of an earlier key. The guard holds exactly the non-nil slots.
func (e *Engine) AcquireBatch(ctx context.Context, keys []string, owner string, fields []string) (records []*Record, guard *Guard, err error) {
	if owner == "" {
		return nil, nil, mutexError(ErrInvalidArgument, "owner is required")
	}
	if len(keys) == 0 {
		return []*Record{}, newGuard(e.exec, e.cfg, e.log, owner, uuid.NewString(), nil), nil
	}
	ctx, span := tracing.StartLeaseSpan(ctx, tracing.SpanOperationLeaseAcquireBatch,
		tracing.WithLeaseCollection(e.exec.Collection()), tracing.WithLeaseOwner(owner), tracing.WithLeaseKeyCount(len(keys)))
	defer func() {
		tracing.End(span, err)
		metrics.RecordAcquire(e.exec.Collection(), "batch", acquireStatus(err), len(heldKeys(records)))
	}()

	records, token, err := e.claimKeys(ctx, keys, owner, fields)
	if err != nil {
		return nil, nil, err
	}
	return records, newGuard(e.exec, e.cfg, e.log, owner, token, heldKeys(records)), nil
}

// AcquireByPredicate claims up to q.Limit claimable records matching q.Filter in
// q.Sort order. Only claimed records are returned.
func (e *Engine) AcquireByPredicate(ctx context.Context, q document.Query, owner string, fields []string) (records []*Record, guard *Guard, err error) {
	if owner == "" {
		return nil, nil, mutexError(ErrInvalidArgument, "owner is required")
	}
	if err := q.Validate(); err != nil {
		return nil, nil, mutexError(ErrInvalidArgument, err.Error())
	}
	ctx, span := tracing.StartLeaseSpan(ctx, tracing.SpanOperationLeaseAcquireQuery,
		tracing.WithLeaseCollection(e.exec.Collection()), tracing.WithLeaseOwner(owner))
	defer func() {
		tracing.End(span, err)
		metrics.RecordAcquire(e.exec.Collection(), "predicate", acquireStatus(err), len(records))
	}()

	claim := e.newClaim(owner)
	claimed, err := e.exec.ClaimMatching(ctx, q, claim, fields)
	if err != nil {
		return nil, nil, err
	}

	records = make([]*Record, 0, len(claimed))
	keys := make([]string, 0, len(claimed))
	seen := make(map[string]struct{}, len(claimed))
	for _, rec := range claimed {
		if rec == nil || !rec.Lease.HeldBy(owner, claim.Lease.Token) {
			continue
		}
		if _, dup := seen[rec.Key]; dup {
			continue
		}
		seen[rec.Key] = struct{}{}
		records = append(records, rec)
		keys = append(keys, rec.Key)
	}
	return records, newGuard(e.exec, e.cfg, e.log, owner, claim.Lease.Token, keys), nil
}

// AcquireOrCreate behaves like AcquireSingle but, when the record is missing,
// inserts factory() already leased to owner. The insert never overwrites: losing
// a creation race surfaces as an error wrapping ErrAlreadyExists.
func (e *Engine) AcquireOrCreate(ctx context.Context, key, owner string, opts AcquireOptions, factory func() *Record) (*Record, *Guard, error) {
	if factory == nil {
		return nil, nil, mutexError(ErrInvalidArgument, "factory is required")
	}
	rec, guard, err := e.AcquireSingle(ctx, key, owner, opts)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, guard, err
	}

	ctx, span := tracing.StartLeaseSpan(ctx, tracing.SpanOperationLeaseAcquireCreate,
		tracing.WithLeaseCollection(e.exec.Collection()), tracing.WithLeaseOwner(owner), tracing.WithLeaseKeyCount(1))

	doc := factory().Clone()
	switch {
	case doc == nil:
		err = mutexError(ErrInvalidArgument, "factory returned nil record")
	case doc.Key == "":
		doc.Key = key
	case doc.Key != key:
		err = mutexError(ErrInvalidArgument, fmt.Sprintf("factory record key %q differs from %q", doc.Key, key))
	}
	if err != nil {
		tracing.End(span, err)
		return nil, nil, err
	}

	claim := e.newClaim(owner)
	doc.Lease = ActiveLease(claim.Lease)
	inserted, err := e.exec.Insert(ctx, doc, false)
	tracing.End(span, err)
	if err != nil {
		metrics.RecordAcquire(e.exec.Collection(), "create", "error", 0)
		return nil, nil, fmt.Errorf("create record %q: %w", key, err)
	}
	metrics.RecordAcquire(e.exec.Collection(), "create", "ok", 1)
	return inserted.Project(opts.Fields), newGuard(e.exec, e.cfg, e.log, owner, claim.Lease.Token, []string{inserted.Key}), nil
}

// ReleaseAllForOwner clears every lease written by owner, live or not. It is an
// administrative sweep for crash recovery: failures are logged and returned, not retried.
func (e *Engine) ReleaseAllForOwner(ctx context.Context, owner string) (n int64, err error) {
	if owner == "" {
		return 0, mutexError(ErrInvalidArgument, "owner is required")
	}
	ctx, span := tracing.StartLeaseSpan(ctx, tracing.SpanOperationLeaseReleaseOwner,
		tracing.WithLeaseCollection(e.exec.Collection()), tracing.WithLeaseOwner(owner))
	defer func() { tracing.End(span, err) }()

	n, err = e.exec.ClearOwner(ctx, owner)
	if err != nil {
		metrics.RecordRelease(e.exec.Collection(), "owner_error")
		e.log.Error("failed to release leases of owner", "collection", e.exec.Collection(), "owner", owner, "error", err)
		return 0, err
	}
	metrics.RecordRelease(e.exec.Collection(), "owner_ok")
	e.log.Info("released leases of owner", "collection", e.exec.Collection(), "owner", owner, "count", n)
	return n, nil
}

func (e *Engine) newClaim(owner string) Claim {
	now := time.Now()
	return Claim{
		Lease: LeaseState{Owner: owner, Token: uuid.NewString(), ExpiresAt: now.Add(e.cfg.LeaseTTL)},
		Now:   now,
	}
}

// claimKeys runs one claim round and re-aligns the executor result onto keys.
func (e *Engine) claimKeys(ctx context.Context, keys []string, owner string, fields []string) ([]*Record, string, error) {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	claim := e.newClaim(owner)
	claimed, err := e.exec.ClaimKeys(ctx, unique, claim, fields)
	if err != nil {
		return nil, "", err
	}
	return alignClaimed(keys, claimed, owner, claim.Lease.Token), claim.Lease.Token, nil
}

// alignClaimed places each record held by (owner, token) at the first position
// of its key; every other slot is nil.
func alignClaimed(keys []string, claimed []*Record, owner, token string) []*Record {
	byKey := make(map[string]*Record, len(claimed))
	for _, rec := range claimed {
		if rec == nil || !rec.Lease.HeldBy(owner, token) {
			continue
		}
		byKey[rec.Key] = rec
	}
	out := make([]*Record, len(keys))
	for i, k := range keys {
		if rec, ok := byKey[k]; ok {
			out[i] = rec
			delete(byKey, k)
		}
	}
	return out
}

func heldKeys(records []*Record) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			keys = append(keys, rec.Key)
		}
	}
	return keys
}

func (e *Engine) jitter() time.Duration {
	span := e.cfg.AcquireMaxInterval - e.cfg.AcquireMinInterval
	if span <= 0 {
		return e.cfg.AcquireMinInterval
	}
	return e.cfg.AcquireMinInterval + rand.N(span)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func acquireStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
