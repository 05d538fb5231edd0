package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewPrometheusMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm == nil {
		t.Fatal("expected metrics to be created, got nil")
	}
	if pm.registry == nil {
		t.Fatal("expected registry to be initialized")
	}
}

func TestAddPacketsAndBytes(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.AddPacketsReceived("0", 10)
	pm.AddBytesReceived("0", 1400)
	pm.AddPacketsSent("0", 10)
	pm.AddBytesSent("0", 1400)

	mfs, err := pm.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	var foundReceived, foundSent bool
	for _, mf := range mfs {
		switch mf.GetName() {
		case "xdpfanout_packets_received_total":
			foundReceived = true
			if mf.Metric[0].Counter.GetValue() != 10 {
				t.Errorf("expected packets_received_total=10, got %v", mf.Metric[0].Counter.GetValue())
			}
		case "xdpfanout_packets_sent_total":
			foundSent = true
		}
	}
	if !foundReceived || !foundSent {
		t.Error("expected packets_received_total and packets_sent_total to be registered")
	}
}

func TestAddRXInvalidAndBackPressure(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.AddRXInvalid("1", 3)
	pm.AddBackPressureEvent("1")
	pm.AddBackPressureEvent("1")
	pm.AddARPMiss("10.0.0.5")

	mfs, err := pm.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	counts := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.Metric {
			if m.Counter != nil {
				counts[mf.GetName()] += m.Counter.GetValue()
			}
		}
	}
	if counts["xdpfanout_rx_invalid_total"] != 3 {
		t.Errorf("expected rx_invalid_total=3, got %v", counts["xdpfanout_rx_invalid_total"])
	}
	if counts["xdpfanout_back_pressure_events_total"] != 2 {
		t.Errorf("expected back_pressure_events_total=2, got %v", counts["xdpfanout_back_pressure_events_total"])
	}
	if counts["xdpfanout_arp_miss_total"] != 1 {
		t.Errorf("expected arp_miss_total=1, got %v", counts["xdpfanout_arp_miss_total"])
	}
}

func TestGauges(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.SetTXOutstanding("2", 17)
	pm.SetDestinationCount(4)

	mfs, err := pm.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	var sawTxOutstanding, sawDestCount bool
	for _, mf := range mfs {
		switch mf.GetName() {
		case "xdpfanout_tx_outstanding":
			sawTxOutstanding = true
			if mf.Metric[0].Gauge.GetValue() != 17 {
				t.Errorf("expected tx_outstanding=17, got %v", mf.Metric[0].Gauge.GetValue())
			}
		case "xdpfanout_destinations":
			sawDestCount = true
			if mf.Metric[0].Gauge.GetValue() != 4 {
				t.Errorf("expected destinations=4, got %v", mf.Metric[0].Gauge.GetValue())
			}
		}
	}
	if !sawTxOutstanding || !sawDestCount {
		t.Error("expected tx_outstanding and destinations gauges to be registered")
	}
}

func TestMetricsCollectorServesMetricsEndpoint(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.AddPacketsReceived("0", 5)

	_ = NewMetricsCollector(pm)

	// Exercise the same handler StartServer would install, without
	// binding a real port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", resp2.StatusCode)
	}
}

func TestMetricsCollectorStopServerNoop(t *testing.T) {
	mc := NewMetricsCollector(NewPrometheusMetrics())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mc.StopServer(ctx); err != nil {
		t.Errorf("expected nil error stopping an unstarted server, got %v", err)
	}
}

func TestGetPrometheusReturnsSameInstance(t *testing.T) {
	pm := NewPrometheusMetrics()
	mc := NewMetricsCollector(pm)
	if mc.GetPrometheus() != pm {
		t.Error("expected GetPrometheus to return the wired instance")
	}
}
