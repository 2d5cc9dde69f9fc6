package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trader"

// Metrics are registered lazily on first use. The label names of a metric are
// fixed by its first call; later calls fill missing labels with "" and drop
// unknown ones.
type family struct {
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	families map[string]*family
}

var reg = newRegistry()

func newRegistry() *registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &registry{prom: r, families: map[string]*family{}}
}

// labelNames returns the sorted keys of a label map
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *family) values(lbl map[string]string) []string {
	vals := make([]string, len(f.labels))
	for i, k := range f.labels {
		vals[i] = lbl[k]
	}
	return vals
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func (r *registry) lookup(name string, labels map[string]string, build func(string, []string) *family) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sanitize(name)
	if f, ok := r.families[key]; ok {
		return f
	}
	f := build(key, labelNames(labels))
	r.families[key] = f
	return f
}

func counterFamily(name string, labels []string) *family {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      name,
	}, labels)
	reg.prom.MustRegister(vec)
	return &family{labels: labels, counter: vec}
}

func gaugeFamily(name string, labels []string) *family {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      name,
	}, labels)
	reg.prom.MustRegister(vec)
	return &family{labels: labels, gauge: vec}
}

func histogramFamily(name string, labels []string) *family {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	}, labels)
	reg.prom.MustRegister(vec)
	return &family{labels: labels, histogram: vec}
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	f := reg.lookup(name, labels, counterFamily)
	if f.counter == nil {
		return
	}
	f.counter.WithLabelValues(f.values(labels)...).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	f := reg.lookup(name, labels, gaugeFamily)
	if f.gauge == nil {
		return
	}
	f.gauge.WithLabelValues(f.values(labels)...).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	f := reg.lookup(name, labels, histogramFamily)
	if f.histogram == nil {
		return
	}
	f.histogram.WithLabelValues(f.values(labels)...).Observe(value)
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Microseconds())/1000.0, labels)
}

// Handler serves all registered metrics in Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func Registry() *prometheus.Registry {
	return reg.prom
}
