package lease

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// currently live leases per holder; a value that only grows points at a leak
	activeLeases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_lease_active",
			Help: "current number of live leases",
		},
		[]string{"holder"},
	)

	// status is granted or unavailable (nothing published, or retracting)
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_lease_acquire_total",
			Help: "total number of lease acquisitions",
		},
		[]string{"holder", "status"},
	)

	releaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_lease_release_total",
			Help: "total number of cooperative lease releases",
		},
		[]string{"holder"},
	)

	reclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_lease_reclaimed_total",
			Help: "total number of leases forcibly reclaimed by the leak detector",
		},
		[]string{"holder"},
	)

	nestedLeasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_lease_nested_total",
			Help: "total number of leases acquired by a borrower already holding one",
		},
		[]string{"holder"},
	)

	staleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_lease_stale_calls_total",
			Help: "total number of calls rejected because their lease was revoked",
		},
		[]string{"holder"},
	)

	retractWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmail_lease_retract_wait_seconds",
			Help:    "time a retraction waited for outstanding leases",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		},
		[]string{"holder"},
	)

	sweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmail_lease_sweep_duration_seconds",
			Help:    "time taken by one leak detector pass over all holders",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)
)

// holderMetrics updates the series labelled with one holder. Once dropped,
// the series are deleted and never recreated, so per-user holders that come
// and go don't grow the label set forever.
type holderMetrics struct {
	holder  string
	mu      sync.RWMutex
	dropped bool
}

func newHolderMetrics(holder string) *holderMetrics {
	return &holderMetrics{holder: holder}
}

func (m *holderMetrics) update(fn func(holder string)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.dropped {
		fn(m.holder)
	}
}

func (m *holderMetrics) leaseAdded() {
	m.update(func(h string) { activeLeases.WithLabelValues(h).Inc() })
}

func (m *holderMetrics) leaseRemoved() {
	m.update(func(h string) { activeLeases.WithLabelValues(h).Dec() })
}

func (m *holderMetrics) acquire(status string) {
	m.update(func(h string) { acquireTotal.WithLabelValues(h, status).Inc() })
}

func (m *holderMetrics) released() {
	m.update(func(h string) { releaseTotal.WithLabelValues(h).Inc() })
}

func (m *holderMetrics) reclaimed() {
	m.update(func(h string) { reclaimedTotal.WithLabelValues(h).Inc() })
}

func (m *holderMetrics) nested() {
	m.update(func(h string) { nestedLeasesTotal.WithLabelValues(h).Inc() })
}

func (m *holderMetrics) staleCall() {
	m.update(func(h string) { staleCallsTotal.WithLabelValues(h).Inc() })
}

func (m *holderMetrics) retractWaited(d time.Duration) {
	m.update(func(h string) { retractWaitSeconds.WithLabelValues(h).Observe(d.Seconds()) })
}

// drop deletes the holder's series.
func (m *holderMetrics) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped {
		return
	}
	m.dropped = true

	labels := prometheus.Labels{"holder": m.holder}
	activeLeases.DeletePartialMatch(labels)
	acquireTotal.DeletePartialMatch(labels)
	releaseTotal.DeletePartialMatch(labels)
	reclaimedTotal.DeletePartialMatch(labels)
	nestedLeasesTotal.DeletePartialMatch(labels)
	staleCallsTotal.DeletePartialMatch(labels)
	retractWaitSeconds.DeletePartialMatch(labels)
}
