package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Options configures a Collector.
type Options struct {
	Enabled       bool
	OTLPEndpoint  string
	FlushInterval time.Duration // default 30s
	FlushAt       int           // buffered metrics that trigger an early flush, default 100
	MaxBuffered   int           // oldest metrics are dropped past this, default 10000
	Resource      map[string]string
}

// Collector buffers metrics in memory and flushes them periodically, either to an
// OTLP/HTTP endpoint or to the log.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	dropped  int
	opts     Options
	exporter *OTLPExporter
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector; a disabled collector records nothing.
func NewCollector(opts Options) *Collector {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.FlushAt <= 0 {
		opts.FlushAt = 100
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		opts:    opts,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if opts.OTLPEndpoint != "" {
		c.exporter = NewOTLPExporter(opts.OTLPEndpoint, opts.Resource)
	}
	if opts.Enabled {
		go c.periodicFlush()
	} else {
		close(c.done)
	}
	return c
}

// Enabled reports whether the collector records metrics.
func (c *Collector) Enabled() bool { return c.opts.Enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(name, Counter, value, labels, "")
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(name, Gauge, value, labels, "")
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.add(name, Histogram, value, labels, "")
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(name, Timer, float64(duration.Milliseconds()), labels, "ms")
}

func (c *Collector) add(name string, typ MetricType, value float64, labels map[string]string, unit string) {
	if !c.opts.Enabled {
		return
	}
	m := Metric{Name: name, Type: typ, Value: value, Labels: labels, Timestamp: time.Now(), Unit: unit}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.metrics) >= c.opts.MaxBuffered {
		c.metrics = c.metrics[1:]
		c.dropped++
	}
	c.metrics = append(c.metrics, m)
	if len(c.metrics) >= c.opts.FlushAt {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// FlushMetrics exports buffered metrics. On export failure the batch is put back so
// the next flush retries it.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	dropped := c.dropped
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Telemetry buffer overflowed")
	}
	if len(metrics) == 0 {
		return nil
	}

	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")

	if c.exporter != nil {
		if err := c.exporter.Export(metrics); err != nil {
			c.requeue(metrics)
			return err
		}
		return nil
	}

	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) requeue(metrics []Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := append(metrics, c.metrics...)
	if over := len(merged) - c.opts.MaxBuffered; over > 0 {
		merged = merged[over:]
		c.dropped += over
	}
	c.metrics = merged
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		if err := c.FlushMetrics(); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
	}
}

// Shutdown stops the flush loop and flushes what is left.
func (c *Collector) Shutdown() error {
	c.cancel()
	<-c.done
	return c.FlushMetrics()
}

var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// InitGlobal replaces the process-wide collector.
func InitGlobal(opts Options) *Collector {
	c := NewCollector(opts)
	globalMu.Lock()
	globalCollector = c
	globalMu.Unlock()
	return c
}

// GetGlobal returns the global collector, a disabled one until InitGlobal runs.
func GetGlobal() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(Options{})
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
