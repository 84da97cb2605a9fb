package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/3cpo-dev/ladapter/pkg/api"
)

// PerformanceMonitor samples runtime resources and records execution metrics.
type PerformanceMonitor struct {
	mu        sync.Mutex
	collector *Collector
	startTime time.Time
	lastNumGC uint32
	cancel    context.CancelFunc
}

// NewPerformanceMonitor creates a monitor. When interval > 0 it samples resources into
// the collector on that cadence until Shutdown.
func NewPerformanceMonitor(collector *Collector, interval time.Duration) *PerformanceMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	pm := &PerformanceMonitor{collector: collector, startTime: time.Now(), cancel: cancel}
	if interval > 0 && collector.Enabled() {
		go pm.loop(ctx, interval)
	}
	return pm
}

func (pm *PerformanceMonitor) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.recordSystemMetrics()
		}
	}
}

// Snapshot reads the current resource usage.
func (pm *PerformanceMonitor) Snapshot() api.ResourceUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return api.ResourceUsage{
		HeapBytes:     m.HeapAlloc,
		SysBytes:      m.Sys,
		Goroutines:    runtime.NumGoroutine(),
		NumGC:         m.NumGC,
		CPUs:          runtime.NumCPU(),
		UptimeSeconds: time.Since(pm.startTime).Seconds(),
	}
}

func (pm *PerformanceMonitor) recordSystemMetrics() {
	u := pm.Snapshot()

	pm.mu.Lock()
	gcDelta := u.NumGC - pm.lastNumGC
	pm.lastNumGC = u.NumGC
	pm.mu.Unlock()

	labels := map[string]string{"component": "system"}
	pm.collector.Gauge("ladapter_memory_heap_bytes", float64(u.HeapBytes), labels)
	pm.collector.Gauge("ladapter_memory_sys_bytes", float64(u.SysBytes), labels)
	pm.collector.Gauge("ladapter_goroutines_total", float64(u.Goroutines), labels)
	pm.collector.Counter("ladapter_gc_total", float64(gcDelta), labels)
	pm.collector.Gauge("ladapter_uptime_seconds", u.UptimeSeconds, labels)
}

// RecordCommand records one provider execution.
func (pm *PerformanceMonitor) RecordCommand(platform, status string, duration time.Duration, outputBytes int) {
	labels := map[string]string{"component": "provider", "platform": platform, "status": status}
	pm.collector.Timer("ladapter_command_duration", duration, labels)
	pm.collector.Histogram("ladapter_command_output_bytes", float64(outputBytes), labels)
	pm.collector.Counter("ladapter_commands_total", 1, labels)
}

// RecordTask records one deployment task outcome.
func (pm *PerformanceMonitor) RecordTask(status string, steps int, duration time.Duration) {
	labels := map[string]string{"component": "deploy", "status": status}
	pm.collector.Timer("ladapter_task_duration", duration, labels)
	pm.collector.Gauge("ladapter_task_steps", float64(steps), labels)
	pm.collector.Counter("ladapter_tasks_total", 1, labels)
}

// RecordFileTransfer records an artifact fetch.
func (pm *PerformanceMonitor) RecordFileTransfer(host string, size int64, duration time.Duration, success bool) {
	labels := map[string]string{"component": "artifact", "host": host}
	pm.collector.Timer("ladapter_artifact_fetch_duration", duration, labels)
	pm.collector.Histogram("ladapter_artifact_fetch_bytes", float64(size), labels)
	if success {
		pm.collector.Counter("ladapter_artifact_fetches_successful", 1, labels)
	} else {
		pm.collector.Counter("ladapter_artifact_fetches_failed", 1, labels)
	}
}

// Shutdown stops sampling.
func (pm *PerformanceMonitor) Shutdown() {
	pm.cancel()
}

// TimerScope measures a duration from creation to End.
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope starts a timer recorded into the global collector.
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{startTime: time.Now(), name: name, labels: labels, collector: GetGlobal()}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	duration := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, duration, ts.labels)
	return duration
}
