package contract

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMJPEGStream(t *testing.T) {
	client := newContractClient(t)
	req, err := http.NewRequest(http.MethodGet, client.baseURL+"/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /stream status = %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") ||
		!strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /stream content-type = %q", contentType)
	}
}

func TestStateStream(t *testing.T) {
	client := newContractClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/state/stream", 3*time.Second)
	if err != nil {
		t.Fatalf("state stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("state stream content-type = %q", headers.Get("Content-Type"))
	}
	if !strings.Contains(event, "id: ") {
		t.Fatalf("state event without id: %q", event)
	}
	assertStatePayload(t, parseSSEData(t, event))
}
