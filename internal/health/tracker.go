package health

import (
	"sync"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// Probe is the last liveness probe result.
type Probe struct {
	At       time.Time       `json:"at"`
	Liveness *types.Liveness `json:"liveness,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	State     types.HealthState `json:"state"`
	Error     string            `json:"error,omitempty"`
	Since     time.Time         `json:"since"`
	LastProbe *Probe            `json:"last_probe,omitempty"`
}

// Tracker owns the HealthState machine:
//
//	Unknown/Unhealthy --success or passing probe--> Healthy
//	Unknown/Healthy   --connectivity failure or failing probe--> Unhealthy
//	any               --content failure or skip--> unchanged
type Tracker struct {
	mu        sync.Mutex
	state     types.HealthState
	errMsg    string
	since     time.Time
	lastProbe *Probe
	log       logger.Scoped
	now       func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		state: types.HealthUnknown,
		since: time.Now(),
		log:   logger.Module("Health"),
		now:   time.Now,
	}
}

// Observe folds one inference outcome into the state and reports whether the
// published state or error changed.
func (t *Tracker) Observe(outcome Outcome, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch outcome {
	case Success:
		return t.setLocked(types.HealthHealthy, "")
	case ConnectivityFailure, NotInitialized:
		msg := backend.Message(err)
		if msg == "" {
			msg = outcome.String()
		}
		t.log.Warn("Inference failed (%s): %v", outcome, err)
		return t.setLocked(types.HealthUnhealthy, msg)
	case ContentFailure:
		t.log.Debug("Frame rejected by backend: %v", err)
		return false
	default:
		return false
	}
}

// ObserveProbe folds a liveness probe result into the state. A passing probe
// clears any surfaced error; a failing one marks the backend unhealthy and
// leaves the surfaced error alone.
func (t *Tracker) ObserveProbe(live types.Liveness, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Probe{At: t.now()}
	if err != nil {
		p.Error = backend.Message(err)
	} else {
		l := live
		p.Liveness = &l
	}
	t.lastProbe = p

	if err == nil && live.ModelLoaded {
		return t.setLocked(types.HealthHealthy, "")
	}
	if err != nil {
		t.log.Debug("Liveness probe failed: %v", err)
	} else {
		t.log.Debug("Liveness probe: model not loaded (status %q)", live.Status)
	}
	return t.setLocked(types.HealthUnhealthy, t.errMsg)
}

func (t *Tracker) setLocked(state types.HealthState, errMsg string) bool {
	if state == t.state && errMsg == t.errMsg {
		return false
	}
	if state != t.state {
		t.log.Info("Backend %s -> %s", t.state, state)
		t.since = t.now()
	}
	t.state = state
	t.errMsg = errMsg
	return true
}

func (t *Tracker) State() types.HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Error returns the surfaced error message, empty when none.
func (t *Tracker) Error() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMsg
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{State: t.state, Error: t.errMsg, Since: t.since}
	if t.lastProbe != nil {
		p := *t.lastProbe
		s.LastProbe = &p
	}
	return s
}

// Reset returns to Unknown with no error.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = types.HealthUnknown
	t.errMsg = ""
	t.since = t.now()
	t.lastProbe = nil
}
