package webmonitor

import (
	"github.com/dj-oyu/antispoof-monitor/internal/coordinator"
	"github.com/dj-oyu/antispoof-monitor/internal/health"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// Pipeline is the part of the coordinator the view layer uses. It only reads
// state and feeds frames; it never writes results.
type Pipeline interface {
	Offer(types.Frame)
	Snapshot() coordinator.State
	Subscribe() (int, <-chan coordinator.State)
	Unsubscribe(id int)
	LastFrame() (types.Frame, bool)
	Health() health.Snapshot
	BackendName() string
}

// HealthResponse is the payload of /api/health.
type HealthResponse struct {
	Backend   string            `json:"backend"`
	State     types.HealthState `json:"state"`
	Error     string            `json:"error,omitempty"`
	Since     float64           `json:"since"`
	LastProbe *health.Probe     `json:"last_probe,omitempty"`
}

// FrameAccepted is the payload of POST /api/frames.
type FrameAccepted struct {
	Accepted bool `json:"accepted"`
	Width    int  `json:"width"`
	Height   int  `json:"height"`
}
