// Package metrics instruments the write engine with Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take an optional
// *Metrics without checking.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bpstream"

type Metrics struct {
	ResizeOutcomes  *prometheus.CounterVec
	FlushSignals    prometheus.Counter
	SerializedBytes *prometheus.CounterVec
	AggRounds       prometheus.Counter
	AggBytes        *prometheus.CounterVec
	MergeDurations  prometheus.Observer
	MergedEntries   *prometheus.CounterVec
	StepsWritten    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	merge := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "merge_duration_seconds",
		Help:      "Duration of the collective metadata merge",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	m := &Metrics{
		ResizeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_resize_total",
			Help:      "Buffer resize requests by outcome",
		}, []string{"outcome"}),
		FlushSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flush_required_total",
			Help:      "Writes rejected until the data buffer is drained",
		}),
		SerializedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serialized_bytes_total",
			Help:      "Bytes written into rank data buffers by block kind",
		}, []string{"kind"}),
		AggRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_rounds_total",
			Help:      "Completed chain aggregation rounds",
		}),
		AggBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_bytes_total",
			Help:      "Bytes moved between ranks by direction",
		}, []string{"direction"}),
		MergeDurations: merge,
		MergedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_entries_total",
			Help:      "Index entries produced by the collective merge",
		}, []string{"kind"}),
		StepsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps completed by the writer",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.ResizeOutcomes, m.FlushSignals, m.SerializedBytes, m.AggRounds,
		m.AggBytes, merge, m.MergedEntries, m.StepsWritten,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) Resize(outcome string) {
	if m == nil {
		return
	}

	m.ResizeOutcomes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) FlushRequired() {
	if m == nil {
		return
	}

	m.FlushSignals.Inc()
}

func (m *Metrics) Serialized(kind string, n int) {
	if m == nil {
		return
	}

	m.SerializedBytes.With(prometheus.Labels{"kind": kind}).Add(float64(n))
}

func (m *Metrics) AggregationRound(sent, received int) {
	if m == nil {
		return
	}

	m.AggRounds.Inc()
	m.AggBytes.With(prometheus.Labels{"direction": "sent"}).Add(float64(sent))
	m.AggBytes.With(prometheus.Labels{"direction": "received"}).Add(float64(received))
}

// MergeObserver starts timing a merge; call the returned func when it ends.
func (m *Metrics) MergeObserver() func() {
	if m == nil {
		return func() {}
	}

	start := time.Now()

	return func() {
		m.MergeDurations.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Merged(kind string, n int) {
	if m == nil {
		return
	}

	m.MergedEntries.With(prometheus.Labels{"kind": kind}).Add(float64(n))
}

func (m *Metrics) StepDone() {
	if m == nil {
		return
	}

	m.StepsWritten.Inc()
}
