// Package metrics exposes the runner's Prometheus collectors: sandbox
// boot/exec latency, netns pool occupancy, and GC sweep outcomes.
//
// # Design rationale
//
// A single namespaced registry, initialized once via Init and read
// through package-level Record*/Set* functions guarded by a nil check —
// every call site stays metrics-optional so tests and one-shot CLI
// subcommands that never call Init don't need a no-op metrics stub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the runner's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	sandboxesCreatedTotal *prometheus.CounterVec
	sandboxesCrashedTotal *prometheus.CounterVec

	bootDuration   *prometheus.HistogramVec
	execDuration   *prometheus.HistogramVec
	uploadDuration prometheus.Histogram

	netnsPoolSize  prometheus.Gauge
	netnsPoolInUse prometheus.Gauge
	netnsAllocWait prometheus.Histogram

	gcRunsTotal     prometheus.Counter
	gcBytesFreed    prometheus.Counter
	gcEntriesKept   prometheus.Gauge
	gcEntriesPruned prometheus.Counter

	heartbeatFailuresTotal prometheus.Counter
}

var defaultDurationBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var global *Metrics

// Init builds the registry and installs it as the package-level target
// for the Record*/Set* helpers below. Safe to call at most once; a
// second call replaces the prior registry.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		sandboxesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sandboxes_created_total",
			Help: "Sandboxes started, labeled by boot path (cold, snapshot).",
		}, []string{"boot_path"}),

		sandboxesCrashedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sandboxes_crashed_total",
			Help: "Sandboxes that exited unexpectedly, labeled by reason.",
		}, []string{"reason"}),

		bootDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sandbox_boot_duration_seconds",
			Help: "Time from process start to API readiness, by boot path.", Buckets: defaultDurationBuckets,
		}, []string{"boot_path"}),

		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sandbox_exec_duration_seconds",
			Help: "Time from exec dispatch to response, by outcome.", Buckets: defaultDurationBuckets,
		}, []string{"outcome"}),

		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "artifact_upload_duration_seconds",
			Help: "Time spent uploading a run's output artifacts.", Buckets: defaultDurationBuckets,
		}),

		netnsPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "netns_pool_size",
			Help: "Configured capacity of the network namespace pool.",
		}),
		netnsPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "netns_pool_in_use",
			Help: "Network namespace slots currently held by a live sandbox.",
		}),
		netnsAllocWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "netns_alloc_wait_seconds",
			Help: "Time spent waiting for a free namespace slot.", Buckets: defaultDurationBuckets,
		}),

		gcRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_runs_total",
			Help: "Completed garbage collection sweeps.",
		}),
		gcBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_bytes_freed_total",
			Help: "On-disk bytes reclaimed by garbage collection.",
		}),
		gcEntriesKept: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gc_entries_kept",
			Help: "Rootfs/snapshot entries retained after the last sweep.",
		}),
		gcEntriesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_entries_pruned_total",
			Help: "Rootfs/snapshot entries removed by garbage collection.",
		}),

		heartbeatFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_failures_total",
			Help: "Guest agent heartbeat calls that failed.",
		}),
	}

	registry.MustRegister(
		m.sandboxesCreatedTotal, m.sandboxesCrashedTotal,
		m.bootDuration, m.execDuration, m.uploadDuration,
		m.netnsPoolSize, m.netnsPoolInUse, m.netnsAllocWait,
		m.gcRunsTotal, m.gcBytesFreed, m.gcEntriesKept, m.gcEntriesPruned,
		m.heartbeatFailuresTotal,
	)

	global = m
	return m
}

// Handler exposes the registry for scraping. Returns nil if Init was
// never called.
func Handler() http.Handler {
	if global == nil {
		return nil
	}
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{})
}

func RecordSandboxCreated(bootPath string) {
	if global == nil {
		return
	}
	global.sandboxesCreatedTotal.WithLabelValues(bootPath).Inc()
}

func RecordSandboxCrashed(reason string) {
	if global == nil {
		return
	}
	global.sandboxesCrashedTotal.WithLabelValues(reason).Inc()
}

func ObserveBootDuration(bootPath string, seconds float64) {
	if global == nil {
		return
	}
	global.bootDuration.WithLabelValues(bootPath).Observe(seconds)
}

func ObserveExecDuration(outcome string, seconds float64) {
	if global == nil {
		return
	}
	global.execDuration.WithLabelValues(outcome).Observe(seconds)
}

func ObserveUploadDuration(seconds float64) {
	if global == nil {
		return
	}
	global.uploadDuration.Observe(seconds)
}

func SetNetnsPoolSize(n int) {
	if global == nil {
		return
	}
	global.netnsPoolSize.Set(float64(n))
}

func SetNetnsPoolInUse(n int) {
	if global == nil {
		return
	}
	global.netnsPoolInUse.Set(float64(n))
}

func ObserveNetnsAllocWait(seconds float64) {
	if global == nil {
		return
	}
	global.netnsAllocWait.Observe(seconds)
}

func RecordGCRun(bytesFreed int64, kept, pruned int) {
	if global == nil {
		return
	}
	global.gcRunsTotal.Inc()
	global.gcBytesFreed.Add(float64(bytesFreed))
	global.gcEntriesKept.Set(float64(kept))
	global.gcEntriesPruned.Add(float64(pruned))
}

func RecordHeartbeatFailure() {
	if global == nil {
		return
	}
	global.heartbeatFailuresTotal.Inc()
}
