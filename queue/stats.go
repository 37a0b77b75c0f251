package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	statsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// Statistics is the exposed counter/gauge tree from spec §6: enqueues,
// dequeues, depth, consumers. Each queue's Statistics can roll up into a
// parent for broker-wide totals, mirroring the "counter/gauge with a
// parent for hierarchical roll-up" requirement.
type Statistics struct {
	parent *Statistics

	enqueues  atomic.Uint64
	dequeues  atomic.Uint64
	consumers atomic.Int64
}

// NewStatistics builds a Statistics node, optionally rolling up into parent.
func NewStatistics(parent *Statistics) *Statistics {
	return &Statistics{parent: parent}
}

func (s *Statistics) incEnqueue() {
	s.enqueues.Add(1)
	if s.parent != nil {
		s.parent.incEnqueue()
	}
}

func (s *Statistics) incDequeue() {
	s.dequeues.Add(1)
	if s.parent != nil {
		s.parent.incDequeue()
	}
}

func (s *Statistics) incConsumers() {
	s.consumers.Add(1)
	if s.parent != nil {
		s.parent.incConsumers()
	}
}

func (s *Statistics) decConsumers() {
	s.consumers.Add(-1)
	if s.parent != nil {
		s.parent.decConsumers()
	}
}

// Snapshot is a point-in-time read of a Statistics node.
type Snapshot struct {
	Enqueues  uint64
	Dequeues  uint64
	Depth     int64 // approximate; see Queue.Stats doc comment
	Consumers int64
}

func (s *Statistics) snapshot(depth int64) Snapshot {
	return Snapshot{
		Enqueues:  s.enqueues.Load(),
		Dequeues:  s.dequeues.Load(),
		Depth:     depth,
		Consumers: s.consumers.Load(),
	}
}

// PrometheusCollector implements prometheus.Collector for a set of named
// queues' Statistics, mirroring the teacher's
// modules/eventbus/metrics_exporters.go PrometheusCollector shape
// (ConstMetrics labeled per queue; no aggregate series is emitted).
type PrometheusCollector struct {
	queues map[string]*Queue

	enqueuesDesc  *prometheus.Desc
	dequeuesDesc  *prometheus.Desc
	depthDesc     *prometheus.Desc
	consumersDesc *prometheus.Desc
}

// NewPrometheusCollector builds a collector over the given named queues.
func NewPrometheusCollector(namespace string, queues map[string]*Queue) *PrometheusCollector {
	if namespace == "" {
		namespace = "ptqueue"
	}
	return &PrometheusCollector{
		queues: queues,
		enqueuesDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_enqueues_total", namespace), "Total messages enqueued", []string{"queue"}, nil),
		dequeuesDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_dequeues_total", namespace), "Total messages dequeued", []string{"queue"}, nil),
		depthDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_depth", namespace), "Approximate pending depth", []string{"queue"}, nil),
		consumersDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_consumers", namespace), "Active consumer count", []string{"queue"}, nil),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enqueuesDesc
	ch <- c.dequeuesDesc
	ch <- c.depthDesc
	ch <- c.consumersDesc
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for name, q := range c.queues {
		snap := q.Stats()
		ch <- prometheus.MustNewConstMetric(c.enqueuesDesc, prometheus.CounterValue, float64(snap.Enqueues), name)
		ch <- prometheus.MustNewConstMetric(c.dequeuesDesc, prometheus.CounterValue, float64(snap.Dequeues), name)
		ch <- prometheus.MustNewConstMetric(c.depthDesc, prometheus.GaugeValue, float64(snap.Depth), name)
		ch <- prometheus.MustNewConstMetric(c.consumersDesc, prometheus.GaugeValue, float64(snap.Consumers), name)
	}
}

// DatadogStatsdExporter periodically flushes each queue's Statistics to
// DogStatsD, mirroring the teacher's DatadogStatsdExporter's
// ticker-driven Run(ctx) flush loop.
type DatadogStatsdExporter struct {
	queues   map[string]*Queue
	client   *statsd.Client
	interval time.Duration
	baseTags []string
}

// NewDatadogStatsdExporter builds an exporter flushing every interval to addr.
func NewDatadogStatsdExporter(prefix, addr string, interval time.Duration, queues map[string]*Queue, baseTags []string) (*DatadogStatsdExporter, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("queue stats: interval must be > 0")
	}
	if prefix == "" {
		prefix = "ptqueue"
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."))
	if err != nil {
		return nil, fmt.Errorf("queue stats: new statsd client: %w", err)
	}
	return &DatadogStatsdExporter{queues: queues, client: client, interval: interval, baseTags: baseTags}, nil
}

func (e *DatadogStatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *DatadogStatsdExporter) flush() {
	for name, q := range e.queues {
		snap := q.Stats()
		tags := append(append([]string{}, e.baseTags...), "queue:"+name)
		_ = e.client.Gauge("enqueues_total", float64(snap.Enqueues), tags, 1)
		_ = e.client.Gauge("dequeues_total", float64(snap.Dequeues), tags, 1)
		_ = e.client.Gauge("depth", float64(snap.Depth), tags, 1)
		_ = e.client.Gauge("consumers", float64(snap.Consumers), tags, 1)
	}
}

func (e *DatadogStatsdExporter) Close() error {
	if e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("queue stats: closing statsd client: %w", err)
	}
	return nil
}
