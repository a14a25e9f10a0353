// Package metrics holds the Prometheus collectors exported on the debug server.
// Every method is safe on a nil *Metrics, so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timelapser"

// Capture outcomes used as label values.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeBusy    = "busy"
	OutcomeFault   = "fault"
	OutcomeDropped = "dropped"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

type Metrics struct {
	reg *prometheus.Registry

	activeDevices   prometheus.Gauge
	activeEntries   prometheus.Gauge
	enumerateErrors prometheus.Counter
	evictions       prometheus.Counter
	captures        *prometheus.CounterVec
	captureSeconds  *prometheus.HistogramVec
	sinkWrites      *prometheus.CounterVec
	sinkBytes       *prometheus.CounterVec
}

// New builds a private registry with the process and Go collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		activeDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_devices",
			Help: "Devices that currently have a job set.",
		}),
		activeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_entries",
			Help: "Scheduled (device, capture) entries.",
		}),
		enumerateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "enumerate_errors_total",
			Help: "Device polls that failed and reported an empty set.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "device_evictions_total",
			Help: "Devices removed after a capture fault.",
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "captures_total",
			Help: "Capture job outcomes.",
		}, []string{"device", "outcome"}),
		captureSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "capture_duration_seconds",
			Help:    "Time from fire to last sink write.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"device"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_writes_total",
			Help: "Sink store attempts.",
		}, []string{"kind", "result"}),
		sinkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_bytes_total",
			Help: "Bytes stored per sink kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeDevices, m.activeEntries, m.enumerateErrors, m.evictions,
		m.captures, m.captureSeconds, m.sinkWrites, m.sinkBytes,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetActive(devices, entries int) {
	if m == nil {
		return
	}
	m.activeDevices.Set(float64(devices))
	m.activeEntries.Set(float64(entries))
}

func (m *Metrics) EnumerateFailed() {
	if m == nil {
		return
	}
	m.enumerateErrors.Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) Capture(device, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(device, outcome).Inc()
	if d > 0 {
		m.captureSeconds.WithLabelValues(device).Observe(d.Seconds())
	}
}

func (m *Metrics) SinkWrite(kind string, ok bool, bytes int64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sinkWrites.WithLabelValues(kind, result).Inc()
	if ok && bytes > 0 {
		m.sinkBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}
