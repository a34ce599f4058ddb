package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/repository/document"
	redisstore "github.com/nimburion/docmutex/pkg/store/redis"
)

func newTestExecutor(t *testing.T) (*Executor, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	adapter, err := redisstore.NewRedisAdapter(redisstore.Config{URL: "redis://" + mr.Addr() + "/0"}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewRedisAdapter() error = %v", err)
	}
	exec, err := NewExecutor(adapter, "jobs", "", nil)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	t.Cleanup(func() { _ = exec.Close() })
	return exec, mr
}

func seed(t *testing.T, exec *Executor, key string, fields map[string]interface{}) {
	t.Helper()
	if _, err := exec.Insert(context.Background(), &mutex.Record{Key: key, Lease: mutex.MissingLease(), Fields: fields}, false); err != nil {
		t.Fatalf("insert %s: %v", key, err)
	}
}

func claimAt(owner, token string, now time.Time, ttl time.Duration) mutex.Claim {
	return mutex.Claim{Lease: mutex.LeaseState{Owner: owner, Token: token, ExpiresAt: now.Add(ttl)}, Now: now}
}

func TestNewExecutor_Validation(t *testing.T) {
	if _, err := NewExecutor(nil, "jobs", "", nil); err == nil {
		t.Fatal("expected error for nil adapter")
	}
}

func TestExecutor_KeyLayout(t *testing.T) {
	exec, mr := newTestExecutor(t)
	seed(t, exec, "a", map[string]interface{}{"state": "ready"})

	if !mr.Exists("docmutex:{jobs}:rec:a") {
		t.Fatalf("record hash not found, keys = %v", mr.Keys())
	}
	if ok, _ := mr.SIsMember("docmutex:{jobs}:index", "a"); !ok {
		t.Fatal("key index not updated")
	}
	if got := mr.HGet("docmutex:{jobs}:rec:a", hashData); got != `{"state":"ready"}` {
		t.Fatalf("data = %s", got)
	}
}

func TestExecutor_InsertGetRemove(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()
	seed(t, exec, "a", map[string]interface{}{"state": "ready", "n": 3})

	if _, err := exec.Insert(ctx, &mutex.Record{Key: "a"}, false); !errors.Is(err, mutex.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := exec.Insert(ctx, &mutex.Record{Key: "a", Lease: mutex.ClearedLease(), Fields: map[string]interface{}{"state": "new"}}, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	rec, err := exec.Get(ctx, "a", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Fields["state"] != "new" || rec.Lease.Status() != mutex.LeaseCleared {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := exec.Get(ctx, "missing", nil); !errors.Is(err, mutex.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := exec.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if ok, _ := exec.Exists(ctx, "a"); ok {
		t.Fatal("record should be gone")
	}
	if err := exec.Remove(ctx, "a"); !errors.Is(err, mutex.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutor_ClaimRenewClear(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()
	seed(t, exec, "a", map[string]interface{}{"state": "ready"})
	seed(t, exec, "b", map[string]interface{}{"state": "ready"})

	now := time.Now()
	claimed, err := exec.ClaimKeys(ctx, []string{"a", "missing", "b"}, claimAt("n1", "t1", now, time.Minute), []string{"state"})
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimKeys() = %v, %v", claimed, err)
	}
	for _, rec := range claimed {
		if !rec.Lease.HeldBy("n1", "t1") {
			t.Fatalf("claimed record not held: %+v", rec)
		}
	}

	again, err := exec.ClaimKeys(ctx, []string{"a"}, claimAt("n2", "t2", now, time.Minute), nil)
	if err != nil || len(again) != 0 {
		t.Fatalf("live lease must not be reclaimed: %v, %v", again, err)
	}
	stolen, err := exec.ClaimKeys(ctx, []string{"a"}, claimAt("n2", "t2", now.Add(time.Minute), time.Minute), nil)
	if err != nil || len(stolen) != 1 {
		t.Fatalf("expired lease must be claimable: %v, %v", stolen, err)
	}

	renewed, err := exec.Renew(ctx, []string{"a", "b"}, "n1", "t1", now.Add(2*time.Minute))
	if err != nil || len(renewed) != 1 || renewed[0] != "b" {
		t.Fatalf("Renew() = %v, %v", renewed, err)
	}
	rec, _ := exec.Get(ctx, "b", nil)
	state, _ := rec.Lease.State()
	if state.ExpiresAt.UnixMilli() != now.Add(2*time.Minute).UnixMilli() {
		t.Fatalf("expires_at = %v", state.ExpiresAt)
	}

	cleared, err := exec.Clear(ctx, []string{"a", "b"}, "n1", "t1")
	if err != nil || len(cleared) != 1 || cleared[0] != "b" {
		t.Fatalf("Clear() = %v, %v", cleared, err)
	}
	rec, _ = exec.Get(ctx, "b", nil)
	if rec.Lease.Status() != mutex.LeaseCleared {
		t.Fatalf("lease = %v, want cleared", rec.Lease.Status())
	}

	n, err := exec.ClearOwner(ctx, "n2")
	if err != nil || n != 1 {
		t.Fatalf("ClearOwner() = %d, %v", n, err)
	}
}

func TestExecutor_UpdateKeepsLease(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()
	seed(t, exec, "a", map[string]interface{}{"state": "ready"})
	now := time.Now()
	if _, err := exec.ClaimKeys(ctx, []string{"a"}, claimAt("n1", "t1", now, time.Minute), nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := exec.Update(ctx, &mutex.Record{Key: "a", Fields: map[string]interface{}{"state": "done"}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	rec, _ := exec.Get(ctx, "a", nil)
	if rec.Fields["state"] != "done" || !rec.Lease.HeldBy("n1", "t1") {
		t.Fatalf("unexpected record after update: %+v", rec)
	}
	if err := exec.Update(ctx, &mutex.Record{Key: "missing"}); !errors.Is(err, mutex.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutor_ClaimMatching(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()
	seed(t, exec, "a", map[string]interface{}{"state": "ready", "priority": 1})
	seed(t, exec, "b", map[string]interface{}{"state": "ready", "priority": 5})
	seed(t, exec, "c", map[string]interface{}{"state": "done", "priority": 9})
	seed(t, exec, "d", map[string]interface{}{"state": "ready", "priority": 3})

	now := time.Now()
	if _, err := exec.ClaimKeys(ctx, []string{"b"}, claimAt("other", "tx", now, time.Minute), nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	q := document.Query{
		Filter: document.Filter{"state": "ready"},
		Sort:   []document.Sort{{Field: "priority", Order: document.SortDesc}},
		Limit:  1,
	}
	got, err := exec.ClaimMatching(ctx, q, claimAt("n1", "t1", now, time.Minute), []string{"priority"})
	if err != nil {
		t.Fatalf("ClaimMatching() error = %v", err)
	}
	if len(got) != 1 || got[0].Key != "d" {
		t.Fatalf("ClaimMatching() = %v, want [d]", got)
	}
	if _, ok := got[0].Fields["state"]; ok {
		t.Fatal("projection should drop unrequested fields")
	}
}

func TestExecutor_EngineRoundTrip(t *testing.T) {
	exec, _ := newTestExecutor(t)
	seed(t, exec, "a", nil)

	cfg := mutex.DefaultConfig()
	cfg.AliveInterval = 50 * time.Millisecond
	cfg.LeaseTTL = 500 * time.Millisecond
	engine, err := mutex.NewEngine(exec, cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx := context.Background()
	_, guard, err := engine.AcquireSingle(ctx, "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("AcquireSingle() error = %v", err)
	}
	_, _, err = engine.AcquireSingle(ctx, "a", "node-2", mutex.AcquireOptions{Timeout: 150 * time.Millisecond})
	if !errors.Is(err, mutex.ErrTimeout) {
		t.Fatalf("expected ErrTimeout while held, got %v", err)
	}

	guard.Release()
	select {
	case <-guard.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("release did not finish")
	}
	rec, _ := exec.Get(ctx, "a", nil)
	if rec.Lease.Status() != mutex.LeaseCleared {
		t.Fatalf("lease = %v, want cleared", rec.Lease.Status())
	}
}

func TestMapError(t *testing.T) {
	if err := mapError(goredis.TxFailedErr); !errors.Is(err, document.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
	if err := mapError(nil); err != nil {
		t.Fatalf("mapError(nil) = %v", err)
	}
}
