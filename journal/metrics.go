package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters for journal throughput, registered against
// a caller-supplied registry so a server embedding this package can
// expose them however it likes (no HTTP endpoint is opened here).
type Metrics struct {
	RecordsSent    *prometheus.CounterVec
	RecordsDropped *prometheus.CounterVec
}

// NewMetrics registers the journal's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dircd",
			Subsystem: "journal",
			Name:      "records_sent_total",
			Help:      "Number of journal records submitted to the sender, by kind.",
		}, []string{"kind"}),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dircd",
			Subsystem: "journal",
			Name:      "records_dropped_total",
			Help:      "Number of journal records dropped because the buffer was full, by kind.",
		}, []string{"kind"}),
	}
}

// InstrumentedSender wraps a Sender, recording metrics around each call.
type InstrumentedSender struct {
	inner   Sender
	metrics *Metrics
}

// NewInstrumentedSender wraps inner with metrics recording.
func NewInstrumentedSender(inner Sender, metrics *Metrics) *InstrumentedSender {
	return &InstrumentedSender{inner: inner, metrics: metrics}
}

// Send implements Sender.
func (s *InstrumentedSender) Send(rec Record) {
	s.metrics.RecordsSent.WithLabelValues(rec.Kind()).Inc()
	s.inner.Send(rec)
}

// Close implements Sender.
func (s *InstrumentedSender) Close() {
	s.inner.Close()
}
