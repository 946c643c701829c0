package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/forecast"
	"github.com/sweeney/hydro-sentinel/internal/metrics"
	"github.com/sweeney/hydro-sentinel/internal/status"
)

func newTestServer(t *testing.T, m *metrics.Metrics) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		Source:      "mqtt",
		Store:       "file",
		HTTPAddr:    ":8080",
	}
	tr := status.NewTracker(start, cfg)
	tr.SetClock(func() time.Time { return start.Add(3*time.Hour + 5*time.Second) })
	srv := New(":0", tr, m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t, nil)
	tr.SetModel(detector.Info{Ready: true, Algorithm: "IsolationForest", TrainedOn: 2000, Trees: 100})
	tr.RecordVerdict(detector.Verdict{IsAnomaly: true, Method: detector.MethodIsolationForest})
	tr.SetMQTTConnected(true)

	resp, body := get(t, ts.URL+"/index.json")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.Unmarshal([]byte(body), &sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Counts.Anomalies != 1 {
		t.Errorf("Counts.Anomalies: got %d, want 1", sj.Status.Counts.Anomalies)
	}
	if sj.Status.UptimeSeconds != 3*3600+5 {
		t.Errorf("UptimeSeconds: got %d", sj.Status.UptimeSeconds)
	}
	if sj.Status.Model.TrainedOn != 2000 {
		t.Errorf("Model.TrainedOn: got %d", sj.Status.Model.TrainedOn)
	}
}

func TestIndexHTML(t *testing.T) {
	ts, tr := newTestServer(t, nil)

	for _, path := range []string{"/", "/index.html"} {
		resp, body := get(t, ts.URL+path)
		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
			t.Errorf("%s Content-Type: got %q", path, ct)
		}
		if !strings.Contains(body, "<title>Hydro Sentinel</title>") {
			t.Errorf("%s: missing title", path)
		}
		if !strings.Contains(body, "not ready") {
			t.Errorf("%s: expected not ready model", path)
		}
		if !strings.Contains(body, "not checked yet") || !strings.Contains(body, "waiting for history") {
			t.Errorf("%s: expected empty advisory sections", path)
		}
		if !strings.Contains(body, "3h 0m 5s") {
			t.Errorf("%s: expected uptime", path)
		}
	}

	tr.SetModel(detector.Info{Ready: true, Threshold: 0.5623})
	tr.SetDrift(drift.Report{
		Status:   drift.StatusDrift,
		HasDrift: true,
		Drifted:  []drift.FeatureDrift{{Feature: "efficiencyRatio", Severity: drift.SeverityHigh, PValue: 1e-9}},
	})
	tr.SetForecast(forecast.BucketCheck{
		Bucket: forecast.Bucket{Energy: 420},
		Check:  forecast.Check{Forecast: 500, Lower: 450, Upper: 550, Severity: forecast.SeverityHigh, Underperforming: true},
	})
	tr.RecordVerdict(detector.Verdict{IsAnomaly: true, DeviceID: "turbine-7", Score: 0.81})

	_, body := get(t, ts.URL+"/")
	for _, want := range []string{"serving", "0.562", "efficiencyRatio", "HIGH", "420.000 kWh", "turbine-7"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts, tr := newTestServer(t, nil)

	resp, _ := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status before training: got %d, want 503", resp.StatusCode)
	}

	tr.SetModel(detector.Info{Ready: true})
	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok\n" {
		t.Errorf("status after training: got %d %q", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ts, _ := newTestServer(t, m)

	get(t, ts.URL+"/index.json")
	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, `hydro_sentinel_http_requests_total{route="/index.json",status="200"} 1`) {
		t.Errorf("metrics missing request count:\n%s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestNotFound(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := get(t, ts.URL+"/nonexistent")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Post(ts.URL+"/index.json", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}
