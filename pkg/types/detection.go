package types

import "fmt"

// BoundingBox is a face rectangle in the pixel space of the frame the backend saw.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// NewBoundingBox clamps negative extents to zero.
func NewBoundingBox(x, y, w, h int) BoundingBox {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return BoundingBox{X: x, Y: y, W: w, H: h}
}

// Scale maps the box from a (fromW x fromH) surface onto a (toW x toH) surface.
func (b BoundingBox) Scale(fromW, fromH, toW, toH int) BoundingBox {
	if fromW <= 0 || fromH <= 0 || (fromW == toW && fromH == toH) {
		return b
	}
	sx := float64(toW) / float64(fromW)
	sy := float64(toH) / float64(fromH)
	return NewBoundingBox(
		int(float64(b.X)*sx),
		int(float64(b.Y)*sy),
		int(float64(b.W)*sx),
		int(float64(b.H)*sy),
	)
}

// Label is the classifier verdict for one face.
type Label string

const (
	LabelReal Label = "real"
	LabelFake Label = "fake"
)

// ParseLabel accepts the backend's label strings.
func ParseLabel(s string) (Label, error) {
	switch s {
	case "real", "REAL", "Real", "live":
		return LabelReal, nil
	case "fake", "FAKE", "Fake", "spoof":
		return LabelFake, nil
	default:
		return "", fmt.Errorf("unknown label %q", s)
	}
}

// Detection is one classified face.
type Detection struct {
	Label      Label       `json:"label"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// BatchResult is the outcome of one successful backend call.
type BatchResult struct {
	Seq         uint64      `json:"seq"`
	Detections  []Detection `json:"detections"`
	LatencyMs   *float64    `json:"latency_ms,omitempty"`
	FrameWidth  int         `json:"frame_width"`
	FrameHeight int         `json:"frame_height"`
}

// Status aggregates the labels of a single batch.
func (r BatchResult) Status() Status {
	return AggregateStatus(r.Detections)
}

// Status is the aggregate verdict shown to the user.
type Status string

const (
	StatusNone  Status = "none"
	StatusReal  Status = "real"
	StatusFake  Status = "fake"
	StatusMixed Status = "mixed"
)

// AggregateStatus reduces detections to none, real, fake or mixed.
func AggregateStatus(dets []Detection) Status {
	if len(dets) == 0 {
		return StatusNone
	}
	var hasReal, hasFake bool
	for _, d := range dets {
		if d.Label == LabelReal {
			hasReal = true
		} else {
			hasFake = true
		}
	}
	switch {
	case hasReal && hasFake:
		return StatusMixed
	case hasReal:
		return StatusReal
	default:
		return StatusFake
	}
}

// MaxConfidence returns the highest confidence among dets, 0 when empty.
func MaxConfidence(dets []Detection) float64 {
	var best float64
	for _, d := range dets {
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}

// HealthState is the coordinator's view of backend health.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its lowercase name.
func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HealthState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = HealthHealthy
	case "unhealthy":
		*h = HealthUnhealthy
	case "unknown", "":
		*h = HealthUnknown
	default:
		return fmt.Errorf("unknown health state %q", b)
	}
	return nil
}

// Liveness is the answer of a backend liveness probe.
type Liveness struct {
	Status        string   `json:"status"`
	ModelLoaded   bool     `json:"model_loaded"`
	Device        string   `json:"device"`
	Version       string   `json:"version"`
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`
}
