// Package metrics instruments the service with prometheus collectors.
//
// Metrics are optional: components hold a possibly nil *M and record only
// when one was injected.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// M bundles the collectors shared across the service
type M struct {
	OpsTotal   *prometheus.CounterVec
	OpDuration *prometheus.HistogramVec
	BytesTotal *prometheus.CounterVec
}

// New registers the service collectors on a registerer
func New(reg prometheus.Registerer) *M {
	m := &M{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casket",
			Name:      "operations_total",
			Help:      "Count of operations by name and outcome",
		}, []string{"operation", "outcome"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casket",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by name",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casket",
			Name:      "content_bytes_total",
			Help:      "Bytes moved through the content store by direction",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.OpsTotal, m.OpDuration, m.BytesTotal)
	return m
}

// Record accounts one operation. Safe on a nil receiver.
func (m *M) Record(op string, t0 time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OpsTotal.WithLabelValues(op, outcome).Inc()
	m.OpDuration.WithLabelValues(op).Observe(time.Since(t0).Seconds())
}

// IO accounts bytes moved through the content store. Safe on a nil receiver.
func (m *M) IO(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}
