// Package prometheus records cache and acquisition metrics with the
// Prometheus client. Metric vectors are created on first use, one per
// metric name, with a fixed label set.
package prometheus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-auth-cache/core"
)

// DefaultLabels are the tags the cache observers attach. Other tags are
// dropped to bound cardinality.
var DefaultLabels = []string{"operation", "status", "cache_outcome", "error_kind", "source", "policy"}

var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type Option func(*Recorder)

func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(r *Recorder) {
		if registerer != nil {
			r.registerer = registerer
		}
	}
}

func WithLabels(labels ...string) Option {
	return func(r *Recorder) {
		if len(labels) > 0 {
			r.labels = append([]string(nil), labels...)
		}
	}
}

func WithBuckets(buckets ...float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

type Recorder struct {
	registerer prometheus.Registerer
	labels     []string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		registerer: prometheus.DefaultRegisterer,
		labels:     append([]string(nil), DefaultLabels...),
		buckets:    DefaultBuckets,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	counter := r.counter(MetricName(name))
	if counter == nil {
		return
	}
	counter.With(r.labelValues(tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	histogram := r.histogram(MetricName(name))
	if histogram == nil {
		return
	}
	histogram.With(r.labelValues(tags)).Observe(value)
}

func (r *Recorder) counter(name string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "authcache counter " + name,
	}, r.labels)
	if err := r.registerer.Register(vec); err != nil {
		var existing prometheus.AlreadyRegisteredError
		if !errors.As(err, &existing) {
			return nil
		}
		shared, ok := existing.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil
		}
		vec = shared
	}
	r.counters[name] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "authcache histogram " + name,
		Buckets: r.buckets,
	}, r.labels)
	if err := r.registerer.Register(vec); err != nil {
		var existing prometheus.AlreadyRegisteredError
		if !errors.As(err, &existing) {
			return nil
		}
		shared, ok := existing.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil
		}
		vec = shared
	}
	r.histograms[name] = vec
	return vec
}

func (r *Recorder) labelValues(tags map[string]string) prometheus.Labels {
	labels := make(prometheus.Labels, len(r.labels))
	for _, label := range r.labels {
		labels[label] = tags[label]
	}
	return labels
}

// MetricName maps a dotted observer name to a valid Prometheus name.
func MetricName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "authcache_unnamed"
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
