// Package metrics exposes kolosal-server's own operational counters and
// gauges, independent of the inference backends' own telemetry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the orchestration layer's metrics. A single instance is
// constructed at startup in main.go and handed to the HTTP server, which
// serves it at GET /metrics. No component in this module sets or increments
// these metrics, so every series keeps its initial zero value.
type Registry struct {
	reg *prometheus.Registry

	EnginesLoaded     prometheus.Gauge
	EnginesRegistered prometheus.Gauge
	EngineLoadTotal   *prometheus.CounterVec
	EngineEvictions   prometheus.Counter

	DownloadsActive    prometheus.Gauge
	DownloadsTotal     *prometheus.CounterVec
	DownloadBytesTotal prometheus.Counter

	AutoscalerSweeps prometheus.Counter
}

// New constructs a Registry with every metric registered against its own
// prometheus.Registry, so embedding kolosal-server's metrics into a larger
// process never collides with that process's default registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		EnginesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kolosal",
			Subsystem: "engine",
			Name:      "loaded",
			Help:      "Number of inference engines currently loaded.",
		}),
		EnginesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kolosal",
			Subsystem: "engine",
			Name:      "registered",
			Help:      "Number of engine records known to the registry, loaded or not.",
		}),
		EngineLoadTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolosal",
			Subsystem: "engine",
			Name:      "load_total",
			Help:      "Engine load attempts by result.",
		}, []string{"result"}),
		EngineEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kolosal",
			Subsystem: "engine",
			Name:      "idle_evictions_total",
			Help:      "Engines unloaded by the autoscaler due to inactivity.",
		}),
		DownloadsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kolosal",
			Subsystem: "download",
			Name:      "active",
			Help:      "Number of downloads currently in progress or paused.",
		}),
		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolosal",
			Subsystem: "download",
			Name:      "total",
			Help:      "Completed downloads by terminal status.",
		}, []string{"status"}),
		DownloadBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kolosal",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes written across all downloads.",
		}),
		AutoscalerSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kolosal",
			Subsystem: "autoscaler",
			Name:      "sweeps_total",
			Help:      "Autoscaler sweep passes performed.",
		}),
	}
}

// Handler returns the HTTP handler that exposes every registered metric in
// the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
