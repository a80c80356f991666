package remote

import (
	"math"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// predictResponse is the body of a successful POST /v1/predict.
type predictResponse struct {
	Faces     []faceResult `json:"faces"`
	LatencyMs *float64     `json:"latency_ms"`
}

type faceResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       wireBox `json:"bbox"`
}

// wireBox accepts integral or fractional pixel values.
type wireBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (b wireBox) toBox() types.BoundingBox {
	return types.NewBoundingBox(
		int(math.Round(b.X)),
		int(math.Round(b.Y)),
		int(math.Round(b.W)),
		int(math.Round(b.H)),
	)
}

// errorResponse is the body of any non-2xx answer.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// healthResponse is the body of GET /v1/health.
type healthResponse struct {
	Status        string   `json:"status"`
	ModelLoaded   bool     `json:"model_loaded"`
	Device        string   `json:"device"`
	Version       string   `json:"version"`
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`
}

func (h healthResponse) toLiveness() types.Liveness {
	return types.Liveness{
		Status:        h.Status,
		ModelLoaded:   h.ModelLoaded,
		Device:        h.Device,
		Version:       h.Version,
		UptimeSeconds: h.UptimeSeconds,
	}
}
