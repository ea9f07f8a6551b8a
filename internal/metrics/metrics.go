// Package metrics exports memory usage and optimization outcomes to
// Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
)

const namespace = "memoptimizer"

// Exporter owns a private registry so several exporters can coexist in tests
type Exporter struct {
	registry *prometheus.Registry

	totalBytes     prometheus.Gauge
	usedBytes      prometheus.Gauge
	availableBytes prometheus.Gauge
	usagePercent   prometheus.Gauge
	lastSavings    prometheus.Gauge

	optimizations    *prometheus.CounterVec
	processesTrimmed prometheus.Counter
	trimFailures     prometheus.Counter
	actionErrors     prometheus.Counter
	sampleFailures   prometheus.Counter
	duration         prometheus.Histogram
}

// New creates an exporter. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		totalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_total_bytes",
			Help:      "Total physical memory",
		}),
		usedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_used_bytes",
			Help:      "Physical memory in use (total minus available)",
		}),
		availableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_available_bytes",
			Help:      "Physical memory available to new allocations",
		}),
		usagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_percent",
			Help:      "Physical memory usage in percent",
		}),
		lastSavings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_savings_bytes",
			Help:      "Bytes freed by the most recent successful optimization; negative when usage grew",
		}),
		optimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizations_total",
			Help:      "Finished optimization runs by scope, trigger and outcome",
		}, []string{"scope", "trigger", "outcome"}),
		processesTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_trimmed_total",
			Help:      "Processes whose working set was paged out",
		}),
		trimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_trim_failures_total",
			Help:      "Processes that could not be trimmed",
		}),
		actionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_errors_total",
			Help:      "Reclamation actions that failed as a whole",
		}),
		sampleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_failures_total",
			Help:      "Memory samples that could not be taken",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "optimization_duration_seconds",
			Help:      "Wall time of optimization runs, settle delay included",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	e.registry.MustRegister(
		e.totalBytes, e.usedBytes, e.availableBytes, e.usagePercent, e.lastSavings,
		e.optimizations, e.processesTrimmed, e.trimFailures, e.actionErrors,
		e.sampleFailures, e.duration,
	)
	if withRuntime {
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return e
}

// Registry exposes the underlying registry
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// ObserveUsage updates the memory gauges
func (e *Exporter) ObserveUsage(s memstats.UsageSnapshot) {
	e.totalBytes.Set(s.TotalBytes)
	e.usedBytes.Set(s.UsedBytes)
	e.availableBytes.Set(s.AvailableBytes)
	e.usagePercent.Set(s.UsagePercent)
}

// ObserveReport records a finished run
func (e *Exporter) ObserveReport(r optimizer.Report) {
	e.optimizations.WithLabelValues(r.Scope.String(), r.Trigger.String(), r.Outcome()).Inc()
	e.processesTrimmed.Add(float64(r.Trim.Trimmed))
	e.trimFailures.Add(float64(r.Trim.Failed))
	e.actionErrors.Add(float64(len(r.ActionErrors)))
	if d := r.Duration(); d > 0 {
		e.duration.Observe(d.Seconds())
	}
	if !r.Failed() {
		e.lastSavings.Set(r.SavingsBytes)
	}
}

// ObserveSampleFailure counts a failed sample
func (e *Exporter) ObserveSampleFailure() {
	e.sampleFailures.Inc()
}

// Subscribe registers the exporter for the events it turns into metrics
func (e *Exporter) Subscribe(bus *eventbus.Bus) <-chan eventbus.Event {
	return bus.Subscribe(eventbus.EventUsageSampled, eventbus.EventOptimizationFinished, eventbus.EventSampleFailed)
}

// Run feeds the exporter until ctx is done or the bus closes
func (e *Exporter) Run(ctx context.Context, events <-chan eventbus.Event) {
	logging.Debug(ctx, logging.ComponentMetrics, logging.ActionStart, "Metrics exporter consuming events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handle(ev)
		}
	}
}

func (e *Exporter) handle(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventUsageSampled:
		if ev.Usage != nil {
			e.ObserveUsage(*ev.Usage)
		}
	case eventbus.EventOptimizationFinished:
		if ev.Report != nil {
			e.ObserveReport(*ev.Report)
		}
	case eventbus.EventSampleFailed:
		e.ObserveSampleFailure()
	}
}
