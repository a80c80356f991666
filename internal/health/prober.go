package health

import (
	"context"
	"time"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// DefaultProbeInterval matches the UI polling cadence.
const DefaultProbeInterval = 10 * time.Second

// Checker answers liveness probes. backend.Backend satisfies it.
type Checker interface {
	Liveness(ctx context.Context) (types.Liveness, error)
}

// Prober periodically probes a Checker and feeds the results into a Tracker.
type Prober struct {
	checker  Checker
	tracker  *Tracker
	interval time.Duration
	onChange func()
}

// NewProber builds a Prober. onChange, if set, is called after every probe
// that changed the tracker.
func NewProber(c Checker, t *Tracker, interval time.Duration, onChange func()) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{checker: c, tracker: t, interval: interval, onChange: onChange}
}

// ProbeOnce runs a single probe.
func (p *Prober) ProbeOnce(ctx context.Context) (types.Liveness, error) {
	live, err := p.checker.Liveness(ctx)
	if ctx.Err() != nil {
		// Shutting down; the result says nothing about the backend.
		return live, err
	}
	if p.tracker.ObserveProbe(live, err) && p.onChange != nil {
		p.onChange()
	}
	return live, err
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		_, _ = p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
