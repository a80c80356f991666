package coordinator

import (
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/guard"
	"github.com/dj-oyu/antispoof-monitor/internal/sampler"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// State is what consumers see. Detections are in the backend's pixel space
// (FrameWidth x FrameHeight); renderers rescale them.
type State struct {
	Version       uint64            `json:"version"`
	Seq           uint64            `json:"seq"`
	Detections    []types.Detection `json:"detections"`
	Status        types.Status      `json:"status"`
	MaxConfidence float64           `json:"max_confidence"`
	LatencyMs     *float64          `json:"latency_ms,omitempty"`
	Health        types.HealthState `json:"health"`
	Error         string            `json:"error,omitempty"`
	FrameWidth    int               `json:"frame_width"`
	FrameHeight   int               `json:"frame_height"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Stats         Stats             `json:"stats"`
}

type Stats struct {
	Sampler              sampler.Stats `json:"sampler"`
	Guard                guard.Stats   `json:"guard"`
	Successes            uint64        `json:"successes"`
	ContentFailures      uint64        `json:"content_failures"`
	ConnectivityFailures uint64        `json:"connectivity_failures"`

	// Votes is the smoothing window's per-status tally.
	Votes map[types.Status]int `json:"votes"`
}

func (s State) clone() State {
	out := s
	out.Detections = make([]types.Detection, len(s.Detections))
	copy(out.Detections, s.Detections)
	if s.LatencyMs != nil {
		v := *s.LatencyMs
		out.LatencyMs = &v
	}
	return out
}

const subscriberBuffer = 4

// Subscribe registers a consumer of state changes. The current state is
// delivered first. The channel is closed on Release or Unsubscribe.
func (c *Coordinator) Subscribe() (int, <-chan State) {
	ch := make(chan State, subscriberBuffer)

	// Same lock order as publishLocked, so no change slips in between the
	// initial state and registration.
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state.clone()
	s.Stats = c.stats()
	ch <- s

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subs == nil {
		// Released: hand back a closed channel after the final state.
		close(ch)
		return -1, ch
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.metrics.ActiveSubscribers.Add(1)
	return id, ch
}

func (c *Coordinator) Unsubscribe(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
		c.metrics.ActiveSubscribers.Add(-1)
	}
}

// broadcast never blocks: a slow subscriber loses its oldest pending state,
// so the newest one always gets through.
func (c *Coordinator) broadcast(s State) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
		c.metrics.ActiveSubscribers.Add(-1)
	}
	c.subs = nil
}
