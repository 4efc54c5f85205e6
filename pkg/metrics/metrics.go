// Package metrics exposes Prometheus counters and gauges mirroring
// session.Statistics, grounded on marmos91-dittofs's per-component
// Metrics struct (internal/adapter/nlm/metrics.go): a single struct of
// pre-registered collectors with nil-safe methods, registered once at
// startup and updated from the Decode Sink's stats-publish path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitocan-oss/e3-uds-adapter/pkg/session"
)

// Metrics tracks per-session exchange counters and reply-time histograms,
// labeled by the session's state prefix (one per logical device).
type Metrics struct {
	ExchangesTotal *prometheus.CounterVec
	NegativeResp   *prometheus.CounterVec
	Timeouts       *prometheus.CounterVec
	BadProtocol    *prometheus.CounterVec
	Overlaps       *prometheus.CounterVec
	ReplyTime      *prometheus.HistogramVec
}

// NewMetrics builds and registers the collector set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e3uds_exchanges_total",
			Help: "Total completed exchanges by session and outcome.",
		}, []string{"session", "outcome"}),
		NegativeResp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e3uds_negative_responses_total",
			Help: "Total 0x7F negative responses by session.",
		}, []string{"session"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e3uds_timeouts_total",
			Help: "Total exchange timeouts by session.",
		}, []string{"session"}),
		BadProtocol: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e3uds_bad_protocol_total",
			Help: "Total DidMismatch/BadFrame/BadState outcomes by session.",
		}, []string{"session"}),
		Overlaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e3uds_overlap_total",
			Help: "Total inbound frames dropped due to event-loop overlap.",
		}, []string{"session"}),
		ReplyTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "e3uds_reply_time_seconds",
			Help:    "Reply time distribution by session.",
			Buckets: prometheus.DefBuckets,
		}, []string{"session"}),
	}
	reg.MustRegister(m.ExchangesTotal, m.NegativeResp, m.Timeouts, m.BadProtocol, m.Overlaps, m.ReplyTime)
	return m
}

// Observe folds one session's current Statistics snapshot into the
// collectors. Counters are set via Add against the last-observed total
// so repeated snapshots (called from the same throttled publish path as
// the Decode Sink) don't double-count.
type lastSeen struct {
	ok, negativeResp, timeout, badProtocol uint64
	overlap                                uint64
}

// Recorder tracks per-session last-seen counter values so Observe can
// derive deltas from session.Statistics' cumulative counters.
type Recorder struct {
	m    *Metrics
	seen map[string]*lastSeen
}

func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{m: m, seen: make(map[string]*lastSeen)}
}

// Observe records the delta between this snapshot and the last one seen
// for sessionLabel.
func (r *Recorder) Observe(sessionLabel string, stats *session.Statistics) {
	if r == nil || r.m == nil {
		return
	}
	prev, ok := r.seen[sessionLabel]
	if !ok {
		prev = &lastSeen{}
		r.seen[sessionLabel] = prev
	}

	addDelta := func(counter *prometheus.CounterVec, cur uint64, last *uint64) {
		if cur > *last {
			counter.WithLabelValues(sessionLabel).Add(float64(cur - *last))
		}
		*last = cur
	}

	if stats.CntOk > prev.ok {
		r.m.ExchangesTotal.WithLabelValues(sessionLabel, "ok").Add(float64(stats.CntOk - prev.ok))
	}
	prev.ok = stats.CntOk
	addDelta(r.m.NegativeResp, stats.CntNegativeResp, &prev.negativeResp)
	addDelta(r.m.Timeouts, stats.CntTimeout, &prev.timeout)
	addDelta(r.m.BadProtocol, stats.CntBadProtocol, &prev.badProtocol)
	addDelta(r.m.Overlaps, stats.CntOverlap(), &prev.overlap)

	r.m.ReplyTime.WithLabelValues(sessionLabel).Observe(stats.ReplyTimeMean().Seconds())
}
