package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	leaseAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmutex_lease_acquire_total",
			Help: "Total number of lease acquisition calls by operation and outcome",
		},
		[]string{"collection", "operation", "status"},
	)

	leaseClaimedKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmutex_lease_claimed_keys_total",
			Help: "Total number of records claimed",
		},
		[]string{"collection"},
	)

	leaseRenewTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmutex_lease_renew_total",
			Help: "Total number of heartbeat renew round-trips by outcome",
		},
		[]string{"collection", "status"},
	)

	leaseReleaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmutex_lease_release_total",
			Help: "Total number of release round-trips by outcome",
		},
		[]string{"collection", "status"},
	)

	leaseReleaseAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmutex_lease_release_anomalies_total",
			Help: "Keys that were expected to be held at release time but were not cleared",
		},
		[]string{"collection"},
	)

	leaseHeldKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docmutex_lease_held_keys",
			Help: "Keys currently held by live guards in this process",
		},
		[]string{"collection"},
	)
)

// LeaseCollectors returns every lease collector so they can be registered on a registry.
func LeaseCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		leaseAcquireTotal,
		leaseClaimedKeysTotal,
		leaseRenewTotal,
		leaseReleaseTotal,
		leaseReleaseAnomaliesTotal,
		leaseHeldKeys,
	}
}

// RecordAcquire counts one acquisition call and the number of keys it claimed.
func RecordAcquire(collection, operation, status string, claimed int) {
	leaseAcquireTotal.WithLabelValues(normalizeLabel(collection), normalizeLabel(operation), normalizeLabel(status)).Inc()
	if claimed > 0 {
		leaseClaimedKeysTotal.WithLabelValues(normalizeLabel(collection)).Add(float64(claimed))
	}
}

func RecordRenew(collection, status string) {
	leaseRenewTotal.WithLabelValues(normalizeLabel(collection), normalizeLabel(status)).Inc()
}

func RecordRelease(collection, status string) {
	leaseReleaseTotal.WithLabelValues(normalizeLabel(collection), normalizeLabel(status)).Inc()
}

func RecordReleaseAnomalies(collection string, n int) {
	if n <= 0 {
		return
	}
	leaseReleaseAnomaliesTotal.WithLabelValues(normalizeLabel(collection)).Add(float64(n))
}

// AddHeldKeys moves the held-keys gauge by delta (negative when keys are dropped).
func AddHeldKeys(collection string, delta int) {
	if delta == 0 {
		return
	}
	leaseHeldKeys.WithLabelValues(normalizeLabel(collection)).Add(float64(delta))
}

// HeldKeys returns the held-keys gauge of collection.
func HeldKeys(collection string) prometheus.Gauge {
	return leaseHeldKeys.WithLabelValues(normalizeLabel(collection))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
