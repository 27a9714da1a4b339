// Package metrics holds the prometheus collectors of a client. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "simperium"

type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	Reconnects     prometheus.Counter

	ChangesSent     *prometheus.CounterVec
	ChangesAcked    *prometheus.CounterVec
	ChangesRejected *prometheus.CounterVec
	Conflicts       *prometheus.CounterVec
	RemoteChanges   *prometheus.CounterVec
	PendingChanges  *prometheus.GaugeVec
	IndexPages      *prometheus.CounterVec
	IndexDuration   *prometheus.HistogramVec
	StorageFailures *prometheus.CounterVec
	LinksResolved   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
		}, []string{"command"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
		}, []string{"command"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
		}),
		ChangesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bucket",
			Name:      "changes_sent_total",
		}, []string{"bucket"}),
		ChangesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bucket",
			Name:      "changes_acked_total",
		}, []string{"bucket"}),
		ChangesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bucket",
			Name:      "changes_rejected_total",
		}, []string{"bucket", "code"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bucket",
			Name:      "conflicts_total",
		}, []string{"bucket"}),
		RemoteChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bucket",
			Name:      "remote_changes_total",
		}, []string{"bucket"}),
		PendingChanges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bucket",
			Name:      "pending_changes",
		}, []string{"bucket"}),
		IndexPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "pages_total",
		}, []string{"bucket"}),
		IndexDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "duration_seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"bucket"}),
		StorageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "failures_total",
		}, []string{"bucket"}),
		LinksResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relationship",
			Name:      "resolved_total",
		}, []string{"bucket"}),
	}
	if reg == nil {
		return m, nil
	}
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return m, errors.Join(errs...)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent, m.FramesReceived, m.Reconnects,
		m.ChangesSent, m.ChangesAcked, m.ChangesRejected, m.Conflicts,
		m.RemoteChanges, m.PendingChanges, m.IndexPages, m.IndexDuration,
		m.StorageFailures, m.LinksResolved,
	}
}

func (m *Metrics) FrameSent(command string) {
	if m != nil {
		m.FramesSent.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) FrameReceived(command string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) ChangeSent(bucket string) {
	if m != nil {
		m.ChangesSent.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) ChangeAcked(bucket string) {
	if m != nil {
		m.ChangesAcked.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) ChangeRejected(bucket, code string) {
	if m != nil {
		m.ChangesRejected.WithLabelValues(bucket, code).Inc()
	}
}

func (m *Metrics) Conflict(bucket string) {
	if m != nil {
		m.Conflicts.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) RemoteChange(bucket string) {
	if m != nil {
		m.RemoteChanges.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) SetPending(bucket string, n int) {
	if m != nil {
		m.PendingChanges.WithLabelValues(bucket).Set(float64(n))
	}
}

func (m *Metrics) IndexPage(bucket string) {
	if m != nil {
		m.IndexPages.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) IndexFinished(bucket string, took time.Duration) {
	if m != nil {
		m.IndexDuration.WithLabelValues(bucket).Observe(took.Seconds())
	}
}

func (m *Metrics) StorageFailed(bucket string) {
	if m != nil {
		m.StorageFailures.WithLabelValues(bucket).Inc()
	}
}

func (m *Metrics) LinkResolved(bucket string, n int) {
	if m != nil && n > 0 {
		m.LinksResolved.WithLabelValues(bucket).Add(float64(n))
	}
}
