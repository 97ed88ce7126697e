// Package metrics wraps a Prometheus registry with the gauges, counters,
// and histograms the Broker needs: session/phase state, attestation and
// enclave-driver-call latency, ticket liveness, and host resources.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collector holds every Broker metric.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionPhase     *prometheus.GaugeVec
	sessionFailures  *prometheus.CounterVec

	attestationRuns    *prometheus.CounterVec
	attestationLatency prometheus.Histogram

	driverCallLatency *prometheus.HistogramVec
	driverCallErrors  *prometheus.CounterVec

	ticketsActive prometheus.Gauge

	hostCPUPercent prometheus.Gauge
	hostMemPercent prometheus.Gauge

	startTime time.Time
}

// NewCollector builds and registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "active",
		Help: "Number of sessions currently tracked by the registry.",
	})
	c.sessionPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "phase",
		Help: "Current phase of a session, labeled by session id.",
	}, []string{"session_id"})
	c.sessionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "failures_total",
		Help: "Count of session-closing failures by error kind.",
	}, []string{"kind"})

	c.attestationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "attestation", Name: "runs_total",
		Help: "Count of attestation protocol runs by result.",
	}, []string{"result"})
	c.attestationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "attestation", Name: "latency_seconds",
		Help:    "Attestation protocol round-trip latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	c.driverCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "enclave_driver", Name: "call_latency_seconds",
		Help:    "Enclave Driver request/reply round-trip latency by request tag.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"tag"})
	c.driverCallErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "enclave_driver", Name: "call_errors_total",
		Help: "Enclave Driver call failures by request tag.",
	}, []string{"tag"})

	c.ticketsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ticket", Name: "active",
		Help: "Number of tickets currently tracked by the continue-flag registry.",
	})

	c.hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "cpu_percent",
		Help: "Host CPU utilization percentage, sampled via gopsutil.",
	})
	c.hostMemPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "mem_percent",
		Help: "Host memory utilization percentage, sampled via gopsutil.",
	})

	c.registry.MustRegister(
		c.sessionsActive, c.sessionPhase, c.sessionFailures,
		c.attestationRuns, c.attestationLatency,
		c.driverCallLatency, c.driverCallErrors,
		c.ticketsActive, c.hostCPUPercent, c.hostMemPercent,
	)

	return c
}

// Registry returns the underlying Prometheus registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) SetSessionsActive(n int)  { c.sessionsActive.Set(float64(n)) }
func (c *Collector) SetTicketsActive(n int)   { c.ticketsActive.Set(float64(n)) }

func (c *Collector) RecordSessionPhase(sessionID string, phase int) {
	c.sessionPhase.WithLabelValues(sessionID).Set(float64(phase))
}

func (c *Collector) RecordSessionFailure(kind string) {
	c.sessionFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordAttestationRun(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.attestationRuns.WithLabelValues(result).Inc()
	c.attestationLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordDriverCall(tag string, duration time.Duration, err error) {
	c.driverCallLatency.WithLabelValues(tag).Observe(duration.Seconds())
	if err != nil {
		c.driverCallErrors.WithLabelValues(tag).Inc()
	}
}

// SampleHost refreshes host CPU/memory gauges. Intended to be called
// periodically (e.g. from a ticker in cmd/broker).
func (c *Collector) SampleHost(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(percents) > 0 {
		c.hostCPUPercent.Set(percents[0])
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		c.hostMemPercent.Set(vm.UsedPercent)
	}
	return nil
}

// Uptime returns how long this Collector (and, by proxy, the Broker
// process) has been running.
func (c *Collector) Uptime() time.Duration { return time.Since(c.startTime) }
