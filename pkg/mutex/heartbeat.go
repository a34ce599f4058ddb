package mutex

import (
	"context"
	"time"

	"github.com/nimburion/docmutex/pkg/observability/metrics"
	"github.com/nimburion/docmutex/pkg/observability/tracing"
)

// startHeartbeat must be called before the state is shared or with mu held.
func (s *guardState) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.heartbeat(ctx)
}

func (s *guardState) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.renew(ctx) {
			return
		}
	}
}

// renew performs one heartbeat round under the guard lock and reports whether
// the loop should keep going.
func (s *guardState) renew(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil || s.stop == nil || len(s.elements) == 0 {
		return false
	}

	keys := s.sortedKeys()
	// An in-flight renew is not interrupted by cancellation.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OperationTimeout)
	defer cancel()
	opCtx, span := tracing.StartLeaseSpan(opCtx, tracing.SpanOperationLeaseRenew,
		tracing.WithLeaseCollection(s.exec.Collection()), tracing.WithLeaseOwner(s.owner), tracing.WithLeaseKeyCount(len(keys)))

	matched, err := s.exec.Renew(opCtx, keys, s.owner, s.token, time.Now().Add(s.cfg.LeaseTTL))
	tracing.End(span, err)
	if err != nil {
		metrics.RecordRenew(s.exec.Collection(), "error")
		s.log.Error("lease heartbeat failed, stopping renewals", "keys", len(keys), "error", err)
		s.markLostLocked()
		return false
	}
	if len(matched) == 0 {
		metrics.RecordRenew(s.exec.Collection(), "lost")
		s.log.Warn("lease heartbeat matched no records, stopping renewals", "keys", len(keys))
		s.markLostLocked()
		return false
	}

	if len(matched) < len(keys) {
		metrics.RecordRenew(s.exec.Collection(), "partial")
		s.log.Warn("lease heartbeat lost records", "held", len(keys), "renewed", len(matched))
	} else {
		metrics.RecordRenew(s.exec.Collection(), "ok")
	}
	s.replaceElementsLocked(matched)
	return true
}
