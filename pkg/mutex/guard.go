package mutex

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/observability/metrics"
)

// Guard is the in-process handle over a set of records leased by one acquisition.
// While it holds keys a heartbeat keeps their leases alive. Release (or Close)
// clears them; a Guard that becomes unreachable without being released is
// released by the runtime once it is collected.
//
// A Guard is safe for concurrent use.
type Guard struct {
	state *guardState
}

type guardState struct {
	mu       sync.Mutex
	exec     Executor
	cfg      Config
	baseLog  logger.Logger
	log      logger.Logger
	owner    string
	token    string
	elements map[string]struct{}
	// stop cancels the heartbeat; nil once the heartbeat has ended or was never started.
	stop context.CancelFunc

	released atomic.Bool
	done     chan struct{}
	// lost is closed when the heartbeat gives up on the held leases.
	lost       chan struct{}
	lostClosed bool
}

func newGuard(exec Executor, cfg Config, log logger.Logger, owner, token string, keys []string) *Guard {
	s := &guardState{
		exec:     exec,
		cfg:      cfg,
		baseLog:  log,
		log:      log.With("collection", exec.Collection(), "owner", owner, "token", token),
		owner:    owner,
		token:    token,
		elements: make(map[string]struct{}, len(keys)),
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
	}
	for _, k := range keys {
		s.elements[k] = struct{}{}
	}
	metrics.AddHeldKeys(exec.Collection(), len(s.elements))
	if len(s.elements) > 0 {
		s.startHeartbeat()
	}

	g := &Guard{state: s}
	runtime.AddCleanup(g, func(s *guardState) { s.release() }, s)
	return g
}

// Owner returns the node id the leases were written with.
func (g *Guard) Owner() string { return g.state.owner }

// Token returns the fencing token shared by every key of the guard.
func (g *Guard) Token() string { return g.state.token }

func (g *Guard) ContainsKey(key string) bool {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	_, ok := g.state.elements[key]
	return ok
}

func (g *Guard) IsEmpty() bool {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return len(g.state.elements) == 0
}

// Keys returns the held keys in lexical order.
func (g *Guard) Keys() []string {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.state.sortedKeys()
}

// RemoveKeys stops tracking keys without clearing their leases; they lapse at
// their current expiration. Emptying the guard stops its heartbeat.
func (g *Guard) RemoveKeys(keys ...string) {
	s := g.state
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.elements)
	for _, k := range keys {
		delete(s.elements, k)
	}
	metrics.AddHeldKeys(s.exec.Collection(), len(s.elements)-before)
	if len(s.elements) == 0 {
		s.stopHeartbeatLocked()
	}
}

// ClearKeys drops every key locally and stops the heartbeat.
func (g *Guard) ClearKeys() {
	s := g.state
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.AddHeldKeys(s.exec.Collection(), -len(s.elements))
	s.elements = map[string]struct{}{}
	s.stopHeartbeatLocked()
}

// Pop moves the held subset of keys into a new guard with the same owner and
// token and its own heartbeat. Keys not held are ignored. When nothing moves the
// returned guard is empty and carries a fresh token.
func (g *Guard) Pop(keys ...string) *Guard {
	s := g.state
	s.mu.Lock()
	moved := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.elements[k]; ok {
			delete(s.elements, k)
			moved = append(moved, k)
		}
	}
	if len(moved) > 0 && len(s.elements) == 0 {
		s.stopHeartbeatLocked()
	}
	s.mu.Unlock()

	if len(moved) == 0 {
		return newGuard(s.exec, s.cfg, s.baseLog, s.owner, uuid.NewString(), nil)
	}
	// Held-keys gauge: newGuard adds len(moved) back.
	metrics.AddHeldKeys(s.exec.Collection(), -len(moved))
	return newGuard(s.exec, s.cfg, s.baseLog, s.owner, s.token, moved)
}

// Release starts the release process in the background. Only the first call
// (explicit or from collection) has an effect.
func (g *Guard) Release() {
	g.state.release()
}

// Close releases the guard; it always returns nil so it can be deferred.
func (g *Guard) Close() error {
	g.state.release()
	return nil
}

// Done is closed once a release process for this guard has finished.
func (g *Guard) Done() <-chan struct{} {
	return g.state.done
}

// Lost is closed when the heartbeat stops because a renewal failed or no held
// record matched any more. The guard then no longer protects its keys; Release
// is still needed to settle it but does not touch the store.
func (g *Guard) Lost() <-chan struct{} {
	return g.state.lost
}

func (s *guardState) release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	go s.runRelease()
}

func (s *guardState) sortedKeys() []string {
	keys := make([]string, 0, len(s.elements))
	for k := range s.elements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *guardState) replaceElementsLocked(keys []string) {
	before := len(s.elements)
	s.elements = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s.elements[k] = struct{}{}
	}
	metrics.AddHeldKeys(s.exec.Collection(), len(s.elements)-before)
}

func (s *guardState) markLostLocked() {
	s.stopHeartbeatLocked()
	if !s.lostClosed {
		s.lostClosed = true
		close(s.lost)
	}
}

func (s *guardState) stopHeartbeatLocked() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}
