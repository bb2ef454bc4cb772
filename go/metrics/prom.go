package metrics

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"go.doozer.org/infra/go/dlog"
)

// invalidChar matches everything Prometheus forbids in metric and label
// names; offending runs become underscores.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// promInt64 implements Int64Metric. The value is shadowed in i because the
// prometheus client offers no way to read a Gauge back.
type promInt64 struct {
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&(m.i))
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&(m.i), v)
	m.gauge.Set(float64(v))
}

// Delete satisfies the interface; Prometheus keeps scraping registered
// series, so there is nothing to remove.
func (m *promInt64) Delete() error {
	return nil
}

// promFloat64 implements Float64Metric, shadowing the value like promInt64
// but behind a mutex since there is no atomic float64.
type promFloat64 struct {
	mutex sync.Mutex
	i     float64
	gauge prometheus.Gauge
}

func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.i
}

func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.i = v
	m.gauge.Set(v)
}

func (m *promFloat64) Delete() error {
	return nil
}

// promFloat64Summary implements Float64SummaryMetric.
type promFloat64Summary struct {
	summary prometheus.Observer
}

func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promCounter implements Counter as an int64 gauge that moves by deltas, so
// Reset can zero it, which prometheus counters cannot do.
type promCounter struct {
	*promInt64
}

func (pc *promCounter) Inc(i int64) {
	v := atomic.AddInt64(&(pc.i), i)
	pc.gauge.Set(float64(v))
}

func (pc *promCounter) Dec(i int64) {
	pc.Inc(-i)
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// promClient implements Client on the prometheus default registerer.
//
// Prometheus organizes series into vectors keyed by the label names, with one
// child per label value combination. Both metric families that present as
// gauges share one vector registry; wrapper instances are cached per family
// so repeated Get* calls hand back the same shadowed value.
type promClient struct {
	mtx sync.Mutex

	gaugeVecs   map[string]*prometheus.GaugeVec
	summaryVecs map[string]*prometheus.SummaryVec

	int64Gauges   map[string]*promInt64
	float64Gauges map[string]*promFloat64
	summaries     map[string]*promFloat64Summary
}

func newPromClient() *promClient {
	return &promClient{
		gaugeVecs:     map[string]*prometheus.GaugeVec{},
		summaryVecs:   map[string]*prometheus.SummaryVec{},
		int64Gauges:   map[string]*promInt64{},
		float64Gauges: map[string]*promFloat64{},
		summaries:     map[string]*promFloat64Summary{},
	}
}

// expand cleans the measurement and merges and cleans the tag maps. It
// returns the metric name, the labels, the sorted label keys, and the two
// cache keys: vecKey identifies the vector (name plus label names),
// instanceKey the child (name plus label values).
func expand(measurement string, tags []map[string]string) (name string, labels map[string]string, keys []string, vecKey, instanceKey string) {
	name = clean(measurement)
	labels = map[string]string{}
	for _, m := range tags {
		for k, v := range m {
			labels[clean(k)] = v
		}
	}
	keys = make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{name}
	for _, k := range keys {
		parts = append(parts, k, labels[k])
	}
	vecKey = name + " " + strings.Join(keys, ",")
	instanceKey = strings.Join(parts, "-")
	return
}

// gauge returns the prometheus gauge child for the measurement and tags,
// registering the vector on first use. Callers hold p.mtx.
func (p *promClient) gauge(measurement string, tags []map[string]string) (prometheus.Gauge, string) {
	name, labels, keys, vecKey, instanceKey := expand(measurement, tags)
	vec, ok := p.gaugeVecs[vecKey]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name,
				Help: name,
			},
			keys,
		)
		if err := prometheus.Register(vec); err != nil {
			dlog.Fatalf("Failed to register %q: %s", name, err)
		}
		p.gaugeVecs[vecKey] = vec
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		dlog.Fatalf("Failed to get gauge %q: %s", name, err)
	}
	return g, instanceKey
}

func (p *promClient) GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	g, key := p.gauge(name, tags)
	if ret, ok := p.int64Gauges[key]; ok {
		return ret
	}
	ret := &promInt64{gauge: g}
	p.int64Gauges[key] = ret
	return ret
}

func (p *promClient) GetFloat64Metric(name string, tags ...map[string]string) Float64Metric {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	g, key := p.gauge(name, tags)
	if ret, ok := p.float64Gauges[key]; ok {
		return ret
	}
	ret := &promFloat64{gauge: g}
	p.float64Gauges[key] = ret
	return ret
}

func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	i64 := p.GetInt64Metric(name, tags...)
	return &promCounter{
		promInt64: i64.(*promInt64),
	}
}

func (p *promClient) GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	metricName, labels, keys, vecKey, instanceKey := expand(name, tags)
	if ret, ok := p.summaries[instanceKey]; ok {
		return ret
	}
	vec, ok := p.summaryVecs[vecKey]
	if !ok {
		vec = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       metricName,
				Help:       metricName,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			keys,
		)
		if err := prometheus.Register(vec); err != nil {
			dlog.Fatalf("Failed to register %q %v: %s", metricName, labels, err)
		}
		p.summaryVecs[vecKey] = vec
	}
	summary, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		dlog.Fatalf("Failed to get summary %q: %s", metricName, err)
	}
	ret := &promFloat64Summary{summary: summary}
	p.summaries[instanceKey] = ret
	return ret
}

// Flush satisfies the interface; Prometheus pulls on its own schedule.
func (p *promClient) Flush() error {
	return nil
}

func (p *promClient) NewLiveness(name string, tagsList ...map[string]string) Liveness {
	return newLiveness(p, name, tagsList...)
}

func (p *promClient) NewTimer(name string, tagsList ...map[string]string) Timer {
	return newTimer(p, name, tagsList...)
}

var _ Int64Metric = (*promInt64)(nil)
var _ Float64Metric = (*promFloat64)(nil)
var _ Float64SummaryMetric = (*promFloat64Summary)(nil)
var _ Counter = (*promCounter)(nil)
var _ Client = (*promClient)(nil)
