package mutex_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/mutex/memory"
	"github.com/nimburion/docmutex/pkg/observability/metrics"
)

func expiresAt(t *testing.T, exec *memory.Executor, key string) time.Time {
	t.Helper()
	state, ok := leaseOf(t, exec, key).State()
	if !ok {
		t.Fatalf("record %s has no active lease", key)
	}
	return state.ExpiresAt
}

func TestGuard_HeartbeatRenews(t *testing.T) {
	engine, exec := newTestEngine(t, "a")
	_, guard, err := engine.AcquireSingle(context.Background(), "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	initial := expiresAt(t, exec, "a")
	time.Sleep(5 * engine.Config().AliveInterval)
	if renewed := expiresAt(t, exec, "a"); !renewed.After(initial) {
		t.Fatalf("expiration not extended: initial %v, now %v", initial, renewed)
	}
	if !leaseOf(t, exec, "a").HeldBy("node-1", guard.Token()) {
		t.Fatal("token must not change across renewals")
	}
}

func TestGuard_HeartbeatStopsWhenLeaseLost(t *testing.T) {
	engine, exec := newTestEngine(t, "a")
	_, guard, err := engine.AcquireSingle(context.Background(), "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	holdLive(exec, "a", "thief")
	time.Sleep(4 * engine.Config().AliveInterval)

	guard.Release()
	waitDone(t, guard)
	if !leaseOf(t, exec, "a").HeldBy("thief", "foreign") {
		t.Fatal("release must never clear a lease held by another owner")
	}
}

func TestGuard_HeartbeatDropsLostKeys(t *testing.T) {
	engine, exec := newTestEngine(t, "a", "b")
	_, guard, err := engine.AcquireBatch(context.Background(), []string{"a", "b"}, "node-1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	initial := expiresAt(t, exec, "a")
	holdLive(exec, "b", "thief")
	time.Sleep(4 * engine.Config().AliveInterval)

	if got := guard.Keys(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("keys after losing b = %v, want [a]", got)
	}
	if renewed := expiresAt(t, exec, "a"); !renewed.After(initial) {
		t.Fatal("remaining key must keep being renewed")
	}
	select {
	case <-guard.Lost():
		t.Fatal("guard must not report loss while a key is still held")
	default:
	}

	guard.Release()
	waitDone(t, guard)
	if leaseOf(t, exec, "a").Status() != mutex.LeaseCleared {
		t.Fatalf("a lease = %v, want cleared", leaseOf(t, exec, "a").Status())
	}
	if !leaseOf(t, exec, "b").HeldBy("thief", "foreign") {
		t.Fatal("b must stay with its new owner")
	}
}

func TestGuard_LostLeaseSettlesHeldKeysGauge(t *testing.T) {
	exec := memory.New("held-gauge")
	if _, err := exec.Insert(context.Background(), &mutex.Record{Key: "g1"}, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine, err := mutex.NewEngine(exec, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	gauge := metrics.HeldKeys("held-gauge")
	before := testutil.ToFloat64(gauge)

	_, guard, err := engine.AcquireSingle(context.Background(), "g1", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := testutil.ToFloat64(gauge) - before; got != 1 {
		t.Fatalf("held keys after acquire = %v, want 1", got)
	}

	holdLive(exec, "g1", "thief")
	select {
	case <-guard.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not report the lost lease")
	}

	guard.Release()
	waitDone(t, guard)
	if got := testutil.ToFloat64(gauge) - before; got != 0 {
		t.Fatalf("held keys after release = %v, want 0", got)
	}
	if !guard.IsEmpty() {
		t.Fatalf("released guard still tracks %v", guard.Keys())
	}
	if !leaseOf(t, exec, "g1").HeldBy("thief", "foreign") {
		t.Fatal("release must never clear a lease held by another owner")
	}
}

type failingRenewExecutor struct {
	*memory.Executor
	renewCalls atomic.Int32
	clearCalls atomic.Int32
}

func (e *failingRenewExecutor) Renew(context.Context, []string, string, string, time.Time) ([]string, error) {
	e.renewCalls.Add(1)
	return nil, errors.New("store unreachable")
}

func (e *failingRenewExecutor) Clear(ctx context.Context, keys []string, owner, token string) ([]string, error) {
	e.clearCalls.Add(1)
	return e.Executor.Clear(ctx, keys, owner, token)
}

func TestGuard_HeartbeatErrorConsumesHandle(t *testing.T) {
	exec := &failingRenewExecutor{Executor: memory.New("jobs")}
	_, _ = exec.Insert(context.Background(), &mutex.Record{Key: "a"}, false)
	engine, err := mutex.NewEngine(exec, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	_, guard, err := engine.AcquireSingle(context.Background(), "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(4 * engine.Config().AliveInterval)
	if calls := exec.renewCalls.Load(); calls != 1 {
		t.Fatalf("renew calls = %d, want exactly 1 before stopping", calls)
	}
	select {
	case <-guard.Lost():
	default:
		t.Fatal("a failed renewal must close Lost")
	}

	guard.Release()
	waitDone(t, guard)
	if exec.clearCalls.Load() != 0 {
		t.Fatal("release after a failed heartbeat must not touch the store")
	}
}

func TestGuard_ReleaseClearsOnceAndIsIdempotent(t *testing.T) {
	engine, exec := newTestEngine(t, "a", "b")
	_, guard, err := engine.AcquireBatch(context.Background(), []string{"a", "b"}, "node-1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	guard.Release()
	_ = guard.Close()
	guard.Release()
	waitDone(t, guard)

	for _, k := range []string{"a", "b"} {
		if leaseOf(t, exec, k).Status() != mutex.LeaseCleared {
			t.Fatalf("%s lease = %v, want cleared", k, leaseOf(t, exec, k).Status())
		}
	}
	if !guard.IsEmpty() {
		t.Fatalf("released guard still tracks %v", guard.Keys())
	}
}

func TestGuard_RemoveKeysLeavesLeaseToExpire(t *testing.T) {
	engine, exec := newTestEngine(t, "a", "b")
	_, guard, err := engine.AcquireBatch(context.Background(), []string{"a", "b"}, "node-1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	guard.RemoveKeys("a", "not-held")
	if guard.ContainsKey("a") || !guard.ContainsKey("b") {
		t.Fatalf("guard keys = %v", guard.Keys())
	}
	guard.Release()
	waitDone(t, guard)

	if !leaseOf(t, exec, "a").HeldBy("node-1", guard.Token()) {
		t.Fatal("removed key must keep its lease until expiration")
	}
	if leaseOf(t, exec, "b").Status() != mutex.LeaseCleared {
		t.Fatal("remaining key must be cleared on release")
	}
}

func TestGuard_ClearKeysStopsHeartbeat(t *testing.T) {
	engine, exec := newTestEngine(t, "a")
	_, guard, err := engine.AcquireSingle(context.Background(), "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	guard.ClearKeys()
	if !guard.IsEmpty() {
		t.Fatal("guard should be empty")
	}

	before := expiresAt(t, exec, "a")
	time.Sleep(4 * engine.Config().AliveInterval)
	if after := expiresAt(t, exec, "a"); !after.Equal(before) {
		t.Fatal("heartbeat kept renewing after ClearKeys")
	}
}

func TestGuard_Pop(t *testing.T) {
	engine, exec := newTestEngine(t, "a", "b", "c")
	_, guard, err := engine.AcquireBatch(context.Background(), []string{"a", "b", "c"}, "node-1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	popped := guard.Pop("b", "c", "zzz")
	if popped.Token() != guard.Token() || popped.Owner() != guard.Owner() {
		t.Fatal("popped guard must share owner and token")
	}
	if got := popped.Keys(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("popped keys = %v", got)
	}
	if got := guard.Keys(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("source keys = %v", got)
	}

	popped.Release()
	waitDone(t, popped)
	if leaseOf(t, exec, "b").Status() != mutex.LeaseCleared || leaseOf(t, exec, "c").Status() != mutex.LeaseCleared {
		t.Fatal("popped keys must be cleared by the popped guard")
	}
	if !leaseOf(t, exec, "a").HeldBy("node-1", guard.Token()) {
		t.Fatal("source key must stay leased")
	}
}

func TestGuard_PopNothingHeld(t *testing.T) {
	engine, _ := newTestEngine(t, "a")
	_, guard, err := engine.AcquireSingle(context.Background(), "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	empty := guard.Pop("x")
	if !empty.IsEmpty() {
		t.Fatal("expected empty guard")
	}
	if empty.Token() == guard.Token() {
		t.Fatal("empty pop result must carry a fresh token")
	}
	if !guard.ContainsKey("a") {
		t.Fatal("source must be unchanged")
	}
}

func TestGuard_PopAllStopsSourceHeartbeat(t *testing.T) {
	engine, exec := newTestEngine(t, "a")
	_, guard, err := engine.AcquireSingle(context.Background(), "a", "node-1", mutex.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	popped := guard.Pop("a")
	if !guard.IsEmpty() {
		t.Fatal("source should be empty")
	}

	guard.Release()
	waitDone(t, guard)
	if !leaseOf(t, exec, "a").HeldBy("node-1", popped.Token()) {
		t.Fatal("releasing the emptied source must not clear popped keys")
	}
	popped.Release()
	waitDone(t, popped)
	if leaseOf(t, exec, "a").Status() != mutex.LeaseCleared {
		t.Fatal("popped guard release should clear the key")
	}
}
