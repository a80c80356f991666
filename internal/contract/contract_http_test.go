package contract

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"strings"
	"testing"
	"time"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestIndex(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	html := string(body)
	for _, needle := range []string{"<title>Liveness Monitor</title>", "/stream", "/ws", "/api/health"} {
		if !strings.Contains(html, needle) {
			t.Fatalf("GET / missing %q", needle)
		}
	}
}

func TestStatus(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	assertStatePayload(t, decodeJSONMap(t, body))
}

func TestHealth(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireString(t, payload["backend"], "backend")
	requireString(t, payload["state"], "state")
	requireNumber(t, payload["since"], "since")
}

func TestFrameRoundTrip(t *testing.T) {
	client := newContractClient(t)
	if client.external {
		t.Skip("detections depend on the external backend")
	}

	resp, body := client.post(t, "/api/frames", "image/jpeg", testJPEG(t, 64, 48))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/frames status = %d body=%s", resp.StatusCode, body)
	}
	accepted := decodeJSONMap(t, body)
	if requireNumber(t, accepted["width"], "width") != 64 {
		t.Fatalf("unexpected width: %v", accepted["width"])
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body := client.get(t, "/api/status")
		payload := decodeJSONMap(t, body)
		assertStatePayload(t, payload)
		if payload["status"] == "real" {
			dets := requireSlice(t, payload["detections"], "detections")
			if len(dets) != 1 {
				t.Fatalf("expected one detection, got %d", len(dets))
			}
			if payload["health"] != "healthy" {
				t.Fatalf("health = %v", payload["health"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never became real: %s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFramesRejectsNonJPEG(t *testing.T) {
	client := newContractClient(t)
	resp, _ := client.post(t, "/api/frames", "image/jpeg", []byte("not a jpeg"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /api/frames status = %d", resp.StatusCode)
	}
}

func TestWebRTCOfferInvalid(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.postJSON(t, "/api/webrtc/offer", map[string]any{})
	if client.external {
		if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("POST /api/webrtc/offer status = %d", resp.StatusCode)
		}
		return
	}
	// the in-process monitor runs without WebRTC
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("POST /api/webrtc/offer status = %d", resp.StatusCode)
	}
	requireString(t, decodeJSONMap(t, body)["error"], "error")
}
