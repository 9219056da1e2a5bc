package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records posting engine outcomes.
type LedgerMetrics struct {
	postsTotal    *prometheus.CounterVec
	postFailures  *prometheus.CounterVec
	postDurations prometheus.Histogram
}

// NewLedgerMetrics registers the posting counters.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	posts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quartermaster_ledger_posts_total",
		Help: "Committed stock movements by kind.",
	}, []string{"kind"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quartermaster_ledger_post_failures_total",
		Help: "Rejected postings by reason.",
	}, []string{"reason"})
	durations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quartermaster_ledger_post_duration_seconds",
		Help:    "Time spent inside the posting unit of work.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(posts, failures, durations)
	return &LedgerMetrics{
		postsTotal:    posts,
		postFailures:  failures,
		postDurations: durations,
	}
}

// PostRecorded counts one committed movement.
func (m *LedgerMetrics) PostRecorded(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.postsTotal.WithLabelValues(kind).Inc()
	m.postDurations.Observe(duration.Seconds())
}

// PostFailed counts one rejected posting.
func (m *LedgerMetrics) PostFailed(reason string) {
	if m == nil {
		return
	}
	m.postFailures.WithLabelValues(reason).Inc()
}
