// Package metric provides Prometheus metrics collection and monitoring.
package metric

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Config defines the configuration for the metrics server.
type Config struct {
	Port int    // Port for metrics server
	Path string // Path for metrics endpoint
}

// Default values for metrics configuration.
const (
	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"

	systemUpdateInterval = 5 * time.Second
)

// Metrics contains the Prometheus metrics server and registered custom metrics.
type Metrics struct {
	httpServer *http.Server
	config     Config

	openTransports  *prometheus.GaugeVec
	liveConsumers   prometheus.Gauge
	remotePeers     prometheus.Gauge
	consumeRetries  prometheus.Counter
	signalingErrors prometheus.Counter
	cpuUsage        prometheus.Gauge
	memoryUsage     prometheus.Gauge
}

// New creates a new Metrics instance with the specified configuration.
func New(config Config) *Metrics {
	return &Metrics{
		config: config,
		openTransports: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transports_open_total",
			Help: "Current number of open transports.",
		}, []string{"direction", "kind"}),
		liveConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consumers_live_total",
			Help: "Current number of live consumers.",
		}),
		remotePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remote_peers_total",
			Help: "Current number of remote peers with live streams.",
		}),
		consumeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consume_retries_total",
			Help: "Number of consume sequences retried after a stream conflict.",
		}),
		signalingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaling_errors_total",
			Help: "Number of failed signaling round trips.",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percentage",
			Help: "CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Current memory usage in bytes.",
		}),
	}
}

// RegisterMetrics registers custom metrics with Prometheus.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m.openTransports)
	prometheus.MustRegister(m.liveConsumers)
	prometheus.MustRegister(m.remotePeers)
	prometheus.MustRegister(m.consumeRetries)
	prometheus.MustRegister(m.signalingErrors)
	prometheus.MustRegister(m.cpuUsage)
	prometheus.MustRegister(m.memoryUsage)
}

// Start initializes and starts the metrics HTTP server until stop closes.
func (m *Metrics) Start(stop <-chan struct{}) {
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.Handler())
	m.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.config.Port),
		Handler: mux,
	}

	go m.updateSystemMetrics(stop)
	go func() {
		<-stop
		if err := m.httpServer.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close metrics server")
		}
	}()

	log.Info().Int("port", m.config.Port).Str("path", m.config.Path).Msg("starting metrics server")
	if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

// updateSystemMetrics collects system-level metrics until stop closes.
func (m *Metrics) updateSystemMetrics(stop <-chan struct{}) {
	ticker := time.NewTicker(systemUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				m.cpuUsage.Set(percents[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				m.memoryUsage.Set(float64(vm.Used))
			}
		}
	}
}

// IncrementOpenTransports increments the open transport count for a slot kind.
func (m *Metrics) IncrementOpenTransports(direction, kind string) {
	m.openTransports.WithLabelValues(direction, kind).Inc()
}

// DecrementOpenTransports decrements the open transport count for a slot kind.
func (m *Metrics) DecrementOpenTransports(direction, kind string) {
	m.openTransports.WithLabelValues(direction, kind).Dec()
}

// IncrementLiveConsumers increments the live consumer count.
func (m *Metrics) IncrementLiveConsumers() {
	m.liveConsumers.Inc()
}

// DecrementLiveConsumers decrements the live consumer count.
func (m *Metrics) DecrementLiveConsumers() {
	m.liveConsumers.Dec()
}

// SetRemotePeers records the current remote peer count.
func (m *Metrics) SetRemotePeers(n int) {
	m.remotePeers.Set(float64(n))
}

// IncrementConsumeRetries counts one delayed consume retry.
func (m *Metrics) IncrementConsumeRetries() {
	m.consumeRetries.Inc()
}

// IncrementSignalingErrors counts one failed signaling round trip.
func (m *Metrics) IncrementSignalingErrors() {
	m.signalingErrors.Inc()
}
