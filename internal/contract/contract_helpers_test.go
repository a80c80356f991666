// Package contract checks the monitor's HTTP surface end to end. By default it
// runs against an in-process server backed by a fake inference server; set
// ANTISPOOF_CONTRACT_URL to point it at a running `antispoof serve` instead.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/backend/remote"
	"github.com/dj-oyu/antispoof-monitor/internal/coordinator"
	"github.com/dj-oyu/antispoof-monitor/internal/metrics"
	"github.com/dj-oyu/antispoof-monitor/internal/webmonitor"
)

const defaultRequestTimeout = 2 * time.Second

type contractClient struct {
	baseURL  string
	client   *http.Client
	external bool
}

func newContractClient(t *testing.T) *contractClient {
	t.Helper()
	client := &http.Client{Timeout: defaultRequestTimeout}

	if baseURL := os.Getenv("ANTISPOOF_CONTRACT_URL"); baseURL != "" {
		if !isReachable(client, baseURL+"/api/status") {
			t.Skipf("monitor not reachable at %s", baseURL)
		}
		return &contractClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, external: true}
	}
	return &contractClient{baseURL: startInProcess(t), client: client}
}

// startInProcess wires the real coordinator and monitor to a fake inference
// server that finds one real face in every frame.
func startInProcess(t *testing.T) string {
	t.Helper()

	inference := http.NewServeMux()
	inference.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","model_loaded":true,"device":"cpu","version":"contract"}`)
	})
	inference.HandleFunc("/v1/predict", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"faces":[{"label":"real","confidence":0.97,"bbox":{"x":8,"y":6,"w":24,"h":30}}],"latency_ms":4.2}`)
	})
	backendSrv := httptest.NewServer(inference)
	t.Cleanup(backendSrv.Close)

	m := metrics.New()
	coord := coordinator.New(remote.New(remote.Options{BaseURL: backendSrv.URL}), coordinator.Options{
		Rate:          20,
		ProbeInterval: 50 * time.Millisecond,
		Metrics:       m,
	})
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Release(context.Background()) })

	cfg := webmonitor.DefaultConfig()
	cfg.KeepAlive = time.Second
	cfg.RecordDir = t.TempDir()
	mon, err := webmonitor.NewServer(cfg, coord, nil, m)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	ts := httptest.NewServer(mon.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(mon.Close) // runs first: ends open streams so ts.Close does not wait on them
	return ts.URL
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, body
}

func (c *contractClient) post(t *testing.T, path, contentType string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Post(c.baseURL+path, contentType, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, body
}

func (c *contractClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return c.post(t, path, "application/json", data)
}

// readSSEEvent returns the first complete event on the stream at url.
func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertDetection(t *testing.T, det map[string]any, field string) {
	t.Helper()
	label := requireString(t, det["label"], field+".label")
	if label != "real" && label != "fake" {
		t.Fatalf("%s.label = %q", field, label)
	}
	conf := requireNumber(t, det["confidence"], field+".confidence")
	if conf < 0 || conf > 1 {
		t.Fatalf("%s.confidence out of range: %v", field, conf)
	}
	bbox := requireMap(t, det["bbox"], field+".bbox")
	for _, k := range []string{"x", "y", "w", "h"} {
		requireNumber(t, bbox[k], field+".bbox."+k)
	}
}

func assertStatePayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["version"], "version")
	requireNumber(t, payload["seq"], "seq")
	status := requireString(t, payload["status"], "status")
	switch status {
	case "none", "real", "fake", "mixed":
	default:
		t.Fatalf("unexpected status %q", status)
	}
	health := requireString(t, payload["health"], "health")
	switch health {
	case "unknown", "healthy", "unhealthy":
	default:
		t.Fatalf("unexpected health %q", health)
	}
	requireNumber(t, payload["max_confidence"], "max_confidence")
	requireString(t, payload["updated_at"], "updated_at")

	dets := requireSlice(t, payload["detections"], "detections")
	for i, raw := range dets {
		assertDetection(t, requireMap(t, raw, fmt.Sprintf("detections[%d]", i)), fmt.Sprintf("detections[%d]", i))
	}
	if status == "none" && len(dets) > 0 {
		t.Fatalf("status none with %d detections", len(dets))
	}

	stats := requireMap(t, payload["stats"], "stats")
	sampler := requireMap(t, stats["sampler"], "stats.sampler")
	requireNumber(t, sampler["offered"], "stats.sampler.offered")
	requireNumber(t, sampler["emitted"], "stats.sampler.emitted")
	guard := requireMap(t, stats["guard"], "stats.guard")
	requireNumber(t, guard["skipped"], "stats.guard.skipped")
}
