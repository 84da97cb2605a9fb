package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// HealthReport aggregates all checks.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []HealthCheck `json:"checks"`
}

// MonitoringServer serves health and metrics endpoints.
type MonitoringServer struct {
	collector *Collector
	mu        sync.RWMutex
	checks    map[string]func() HealthCheck
	server    *http.Server
}

// NewMonitoringServer creates a monitoring server for addr.
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector: collector,
		checks:    make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{Addr: addr, Handler: ms.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return ms
}

// Handler returns the routes, for embedding or tests.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/health", ms.apiHealthHandler)
	return mux
}

// healthHandler answers 503 when any check is not healthy.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := ms.Health()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// metricsHandler provides Prometheus text exposition of the buffered samples.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	typed := make(map[string]bool)
	for _, metric := range ms.collector.GetMetrics() {
		if !typed[metric.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, promType(metric.Type))
			typed[metric.Name] = true
		}
		fmt.Fprintf(w, "%s%s %g %d\n", metric.Name, promLabels(metric.Labels), metric.Value, metric.Timestamp.UnixMilli())
	}
}

func promType(t MetricType) string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	default:
		return "untyped"
	}
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

// apiHealthHandler always answers 200 so dashboards can read degraded states.
func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.Health())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.checks[name] = checkFn
}

// Health runs every registered check in name order.
func (ms *MonitoringServer) Health() HealthReport {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.checks))
	for n := range ms.checks {
		names = append(names, n)
	}
	fns := make([]func() HealthCheck, 0, len(names))
	sort.Strings(names)
	for _, n := range names {
		fns = append(fns, ms.checks[n])
	}
	ms.mu.RUnlock()

	report := HealthReport{Status: HealthStatusHealthy, Timestamp: time.Now(), Checks: make([]HealthCheck, 0, len(fns))}
	for i, fn := range fns {
		start := time.Now()
		check := fn()
		if check.Name == "" {
			check.Name = names[i]
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		report.Checks = append(report.Checks, check)

		switch check.Status {
		case HealthStatusUnhealthy:
			report.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if report.Status == HealthStatusHealthy {
				report.Status = HealthStatusDegraded
			}
		}
	}
	return report
}

// Start serves until Shutdown; http.ErrServerClosed is not reported.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// DefaultHealthChecks returns the process-level checks.
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			check := HealthCheck{
				Name:    "memory",
				Status:  HealthStatusHealthy,
				Message: fmt.Sprintf("Heap memory: %.2f MB", heapMB),
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
			switch {
			case heapMB > 1024:
				check.Status = HealthStatusUnhealthy
				check.Message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			case heapMB > 512:
				check.Status = HealthStatusDegraded
				check.Message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			return check
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			check := HealthCheck{
				Name:    "goroutines",
				Status:  HealthStatusHealthy,
				Message: fmt.Sprintf("Goroutines: %d", count),
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
			switch {
			case count > 5000:
				check.Status = HealthStatusUnhealthy
				check.Message = fmt.Sprintf("Critical goroutine count: %d", count)
			case count > 1000:
				check.Status = HealthStatusDegraded
				check.Message = fmt.Sprintf("High goroutine count: %d", count)
			}
			return check
		},
	}
}
