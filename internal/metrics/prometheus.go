// Package metrics exposes xdpfanout's runtime counters to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds the collectors for the replicator. These are
// updated with relaxed atomic increments on the worker hot path and are
// only ever read by the promhttp scrape handler.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	packetsReceived  *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	packetsSent      *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	rxInvalid        *prometheus.CounterVec
	backPressure     *prometheus.CounterVec
	arpMiss          *prometheus.CounterVec
	txOutstanding    *prometheus.GaugeVec
	destinationCount prometheus.Gauge
}

// NewPrometheusMetrics creates and registers the replicator's collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{registry: prometheus.NewRegistry()}
	pm.initializeMetrics()
	pm.registerMetrics()
	return pm
}

func (pm *PrometheusMetrics) initializeMetrics() {
	pm.packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "packets_received_total",
			Help:      "UDP datagrams received on the listen address, per queue.",
		},
		[]string{"queue"},
	)

	pm.bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "bytes_received_total",
			Help:      "Bytes received on the listen address, per queue.",
		},
		[]string{"queue"},
	)

	pm.packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "packets_sent_total",
			Help:      "Replicated UDP datagrams transmitted, per queue.",
		},
		[]string{"queue"},
	)

	pm.bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "bytes_sent_total",
			Help:      "Bytes transmitted by the replicator, per queue.",
		},
		[]string{"queue"},
	)

	pm.rxInvalid = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "rx_invalid_total",
			Help:      "Received frames dropped for failing header validation.",
		},
		[]string{"queue"},
	)

	pm.backPressure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "back_pressure_events_total",
			Help:      "Sends refused because the TX ring had no free frame.",
		},
		[]string{"queue"},
	)

	pm.arpMiss = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdpfanout",
			Name:      "arp_miss_total",
			Help:      "Destination IPs resolved to the broadcast MAC for lack of an ARP entry.",
		},
		[]string{"destination"},
	)

	pm.txOutstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xdpfanout",
			Name:      "tx_outstanding",
			Help:      "TX frames currently in flight, per queue.",
		},
		[]string{"queue"},
	)

	pm.destinationCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xdpfanout",
			Name:      "destinations",
			Help:      "Number of destinations currently registered.",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.packetsReceived,
		pm.bytesReceived,
		pm.packetsSent,
		pm.bytesSent,
		pm.rxInvalid,
		pm.backPressure,
		pm.arpMiss,
		pm.txOutstanding,
		pm.destinationCount,
	)
}

func (pm *PrometheusMetrics) AddPacketsReceived(queue string, n uint64) {
	pm.packetsReceived.WithLabelValues(queue).Add(float64(n))
}

func (pm *PrometheusMetrics) AddBytesReceived(queue string, n uint64) {
	pm.bytesReceived.WithLabelValues(queue).Add(float64(n))
}

func (pm *PrometheusMetrics) AddPacketsSent(queue string, n uint64) {
	pm.packetsSent.WithLabelValues(queue).Add(float64(n))
}

func (pm *PrometheusMetrics) AddBytesSent(queue string, n uint64) {
	pm.bytesSent.WithLabelValues(queue).Add(float64(n))
}

func (pm *PrometheusMetrics) AddRXInvalid(queue string, n uint64) {
	pm.rxInvalid.WithLabelValues(queue).Add(float64(n))
}

func (pm *PrometheusMetrics) AddBackPressureEvent(queue string) {
	pm.backPressure.WithLabelValues(queue).Inc()
}

func (pm *PrometheusMetrics) AddARPMiss(destination string) {
	pm.arpMiss.WithLabelValues(destination).Inc()
}

func (pm *PrometheusMetrics) SetTXOutstanding(queue string, n uint32) {
	pm.txOutstanding.WithLabelValues(queue).Set(float64(n))
}

func (pm *PrometheusMetrics) SetDestinationCount(n int) {
	pm.destinationCount.Set(float64(n))
}

// GetRegistry exposes the underlying registry, mainly for tests.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// MetricsCollector serves a PrometheusMetrics registry over HTTP.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	server     *http.Server
}

// NewMetricsCollector wires a collector to an existing metrics set.
func NewMetricsCollector(pm *PrometheusMetrics) *MetricsCollector {
	return &MetricsCollector{prometheus: pm}
}

// StartServer serves /metrics and /health on addr until the process exits
// or StopServer is called. It blocks like http.Server.ListenAndServe.
func (mc *MetricsCollector) StartServer(addr string) error {
	handler := promhttp.HandlerFor(mc.prometheus.registry, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mc.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return mc.server.ListenAndServe()
}

// StopServer gracefully shuts the metrics server down.
func (mc *MetricsCollector) StopServer(ctx context.Context) error {
	if mc.server != nil {
		return mc.server.Shutdown(ctx)
	}
	return nil
}

// GetPrometheus returns the underlying metrics set.
func (mc *MetricsCollector) GetPrometheus() *PrometheusMetrics {
	return mc.prometheus
}
