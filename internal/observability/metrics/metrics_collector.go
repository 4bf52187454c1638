// Package metrics provides metrics collection and exposition for the actor.
// It integrates the Prometheus SDK to expose the per-mini-batch training
// diagnostics together with step timing, skipped updates, collective waits
// and publisher outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics Collector
// ============================================================================

// MetricsCollector manages Prometheus metrics collection
type MetricsCollector struct {
	registry *prometheus.Registry

	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Subsystem for metrics grouping
	Subsystem string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Enable process metrics
	EnableProcessMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg CollectorConfig) *MetricsCollector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
	}
	if cfg.EnableProcessMetrics {
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	collector := &MetricsCollector{
		registry:   registry,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	collector.registerCoreMetrics()

	return collector
}

// Metric names registered by every collector
const (
	MetricTrainingValue      = "training_value"
	MetricMiniBatches        = "mini_batches_total"
	MetricMicroBatches       = "micro_batches_total"
	MetricTokens             = "tokens_total"
	MetricSkippedSteps       = "skipped_steps_total"
	MetricStepDuration       = "step_duration_seconds"
	MetricCollectiveRounds   = "collective_rounds_total"
	MetricCollectiveWait     = "collective_wait_seconds"
	MetricPublished          = "published_messages_total"
	MetricPublishFailed      = "publish_failures_total"
	MetricHTTPRequests       = "http_requests_total"
	MetricHTTPRequestSeconds = "http_request_duration_seconds"
	MetricGRPCRequests       = "grpc_requests_total"
	MetricGRPCRequestSeconds = "grpc_request_duration_seconds"
)

var stepBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

func (c *MetricsCollector) registerCoreMetrics() {
	// Training metrics
	c.RegisterGauge(MetricTrainingValue, "Last per-mini-batch value of a training diagnostic", []string{"metric"})
	c.RegisterCounter(MetricMiniBatches, "Mini-batches processed", []string{"mode"})
	c.RegisterCounter(MetricMicroBatches, "Micro-batches processed", []string{"mode"})
	c.RegisterCounter(MetricTokens, "Valid tokens processed by the model forward", []string{"mode"})
	c.RegisterCounter(MetricSkippedSteps, "Optimizer updates skipped", []string{"reason"})
	c.RegisterHistogram(MetricStepDuration, "Duration of one policy update in seconds", []string{"mode"}, stepBuckets)

	// Collective metrics
	c.RegisterCounter(MetricCollectiveRounds, "Completed collective rounds", []string{"op"})
	c.RegisterHistogram(MetricCollectiveWait, "Time spent waiting for all ranks", []string{"op"}, prometheus.DefBuckets)

	// Publisher metrics
	c.RegisterCounter(MetricPublished, "Metric snapshots published", []string{"topic"})
	c.RegisterCounter(MetricPublishFailed, "Metric snapshots that failed to publish", []string{"topic"})

	// HTTP metrics
	c.RegisterCounter(MetricHTTPRequests, "Total number of HTTP requests", []string{"method", "path", "status"})
	c.RegisterHistogram(MetricHTTPRequestSeconds, "HTTP request duration in seconds", []string{"method", "path"}, prometheus.DefBuckets)

	// gRPC metrics
	c.RegisterCounter(MetricGRPCRequests, "Total number of gRPC requests", []string{"method", "code"})
	c.RegisterHistogram(MetricGRPCRequestSeconds, "gRPC request duration in seconds", []string{"method"}, stepBuckets)
}

// ============================================================================
// Registration
// ============================================================================

// RegisterCounter registers a new counter metric
func (c *MetricsCollector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	c.counters[name] = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// RegisterGauge registers a new gauge metric
func (c *MetricsCollector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	c.gauges[name] = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// RegisterHistogram registers a new histogram metric
func (c *MetricsCollector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	c.histograms[name] = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// ============================================================================
// Generic Operations
// ============================================================================

// AddCounter adds a value to a counter
func (c *MetricsCollector) AddCounter(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}
	counter.With(labels).Add(value)
}

// SetGauge sets a gauge value
func (c *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}
	gauge.With(labels).Set(value)
}

// ObserveHistogram records a value in histogram
func (c *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		return
	}
	histogram.With(labels).Observe(value)
}

// ============================================================================
// Training Recording
// ============================================================================

// RecordMiniBatch records one finished mini-batch
func (c *MetricsCollector) RecordMiniBatch(mode string, microBatches, tokens int) {
	labels := prometheus.Labels{"mode": mode}
	c.AddCounter(MetricMiniBatches, 1, labels)
	c.AddCounter(MetricMicroBatches, float64(microBatches), labels)
	c.AddCounter(MetricTokens, float64(tokens), labels)
}

// RecordSkippedStep records an optimizer update that was not applied
func (c *MetricsCollector) RecordSkippedStep(reason string) {
	c.AddCounter(MetricSkippedSteps, 1, prometheus.Labels{"reason": reason})
}

// RecordStep records the duration and the last diagnostic values of one
// policy update. Names like "actor/pg_loss" are exported as metric="pg_loss".
func (c *MetricsCollector) RecordStep(mode string, duration time.Duration, values map[string][]float64) {
	c.ObserveHistogram(MetricStepDuration, duration.Seconds(), prometheus.Labels{"mode": mode})
	for name, series := range values {
		if len(series) == 0 {
			continue
		}
		c.SetGauge(MetricTrainingValue, series[len(series)-1], prometheus.Labels{"metric": metricLabel(name)})
	}
}

// RecordCollective records one completed collective round
func (c *MetricsCollector) RecordCollective(op string, wait time.Duration) {
	labels := prometheus.Labels{"op": op}
	c.AddCounter(MetricCollectiveRounds, 1, labels)
	c.ObserveHistogram(MetricCollectiveWait, wait.Seconds(), labels)
}

// RecordPublish records the outcome of a metrics publication
func (c *MetricsCollector) RecordPublish(topic string, err error) {
	if err != nil {
		c.AddCounter(MetricPublishFailed, 1, prometheus.Labels{"topic": topic})
		return
	}
	c.AddCounter(MetricPublished, 1, prometheus.Labels{"topic": topic})
}

// RecordHTTPRequest records HTTP request metrics
func (c *MetricsCollector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	c.AddCounter(MetricHTTPRequests, 1, prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(statusCode),
	})
	c.ObserveHistogram(MetricHTTPRequestSeconds, duration.Seconds(), prometheus.Labels{
		"method": method,
		"path":   path,
	})
}

// RecordGRPCRequest records one served gRPC call
func (c *MetricsCollector) RecordGRPCRequest(method, code string, duration time.Duration) {
	c.AddCounter(MetricGRPCRequests, 1, prometheus.Labels{"method": method, "code": code})
	c.ObserveHistogram(MetricGRPCRequestSeconds, duration.Seconds(), prometheus.Labels{"method": method})
}

func metricLabel(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ============================================================================
// HTTP Handler
// ============================================================================

// Registry returns the underlying registry
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns HTTP handler for metrics exposition
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

//Personal.AI order the ending
