package mutex

import (
	"context"

	"github.com/nimburion/docmutex/pkg/observability/metrics"
	"github.com/nimburion/docmutex/pkg/observability/tracing"
)

// runRelease clears the leases still tracked by the guard. It runs at most once
// per guard and never retries: records that fail to clear lapse at expiration.
func (s *guardState) runRelease() {
	defer close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		// No heartbeat means nothing to clear in the store. Keys left behind by a
		// lost heartbeat still count as held until here.
		s.replaceElementsLocked(nil)
		return
	}
	s.stopHeartbeatLocked()
	if len(s.elements) == 0 {
		return
	}

	keys := s.sortedKeys()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
	defer cancel()
	ctx, span := tracing.StartLeaseSpan(ctx, tracing.SpanOperationLeaseRelease,
		tracing.WithLeaseCollection(s.exec.Collection()), tracing.WithLeaseOwner(s.owner), tracing.WithLeaseKeyCount(len(keys)))

	cleared, err := s.exec.Clear(ctx, keys, s.owner, s.token)
	tracing.End(span, err)
	s.replaceElementsLocked(nil)
	if err != nil {
		metrics.RecordRelease(s.exec.Collection(), "error")
		s.log.Error("lease release failed", "keys", keys, "error", err)
		return
	}

	done := make(map[string]struct{}, len(cleared))
	for _, k := range cleared {
		done[k] = struct{}{}
	}
	anomalies := 0
	for _, k := range keys {
		if _, ok := done[k]; !ok {
			anomalies++
			s.log.Error("lease release anomaly: record was not held at release time", "key", k)
		}
	}
	metrics.RecordReleaseAnomalies(s.exec.Collection(), anomalies)
	if anomalies > 0 {
		metrics.RecordRelease(s.exec.Collection(), "partial")
		return
	}
	metrics.RecordRelease(s.exec.Collection(), "ok")
}
