// Package metrics records run statistics of the lycoris command in a
// private Prometheus registry that can be dumped to a node_exporter
// textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lycoris"

// Operation label values.
const (
	OpExtract = "extract"
	OpMerge   = "merge"
)

// Recorder holds the collectors of one process.
type Recorder struct {
	registry *prometheus.Registry
	layers   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		layers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_total",
			Help:      "Layers extracted or merged, by component and factorization kind.",
		}, []string{"op", "component", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of extract and merge runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Runs that ended with an error.",
		}, []string{"op"}),
	}
	r.registry.MustRegister(r.layers, r.duration, r.failures)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// AddLayers counts n layers of kind in component.
func (r *Recorder) AddLayers(op, component, kind string, n int) {
	if n <= 0 {
		return
	}
	r.layers.WithLabelValues(op, component, kind).Add(float64(n))
}

// ObserveRun records the duration of one run and whether it failed.
func (r *Recorder) ObserveRun(op string, d time.Duration, err error) {
	r.duration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		r.failures.WithLabelValues(op).Inc()
	}
}

// WriteFile writes every metric to path in the text exposition format. An
// empty path is a no-op.
func (r *Recorder) WriteFile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
