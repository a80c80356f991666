// Package smoother stabilizes per-frame verdicts over a short rolling window.
package smoother

import (
	"sync"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// DefaultWindow is the number of recent results considered.
const DefaultWindow = 5

// Smoother keeps the last N batch results in arrival order and publishes an
// aggregate status that only changes when a strict majority of the window
// agrees on the new value.
type Smoother struct {
	mu        sync.Mutex
	capacity  int
	window    []types.BatchResult
	published types.Status
}

// New returns an empty Smoother holding up to capacity results.
func New(capacity int) *Smoother {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Smoother{
		capacity:  capacity,
		window:    make([]types.BatchResult, 0, capacity),
		published: types.StatusNone,
	}
}

// Capacity returns N.
func (s *Smoother) Capacity() int { return s.capacity }

// Observe appends r, evicting the oldest entry beyond capacity, and returns the
// published status. Results with zero detections are entries too.
func (s *Smoother) Observe(r types.BatchResult) types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == s.capacity {
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, r)

	if candidate, ok := s.majorityLocked(); ok {
		s.published = candidate
	}
	return s.published
}

// majorityLocked returns the status held by more than half of the window.
func (s *Smoother) majorityLocked() (types.Status, bool) {
	counts := make(map[types.Status]int, 4)
	for _, r := range s.window {
		st := r.Status()
		counts[st]++
		if counts[st]*2 > len(s.window) {
			return st, true
		}
	}
	return "", false
}

// Current returns the detections of the most recent entry.
func (s *Smoother) Current() []types.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == 0 {
		return []types.Detection{}
	}
	dets := s.window[len(s.window)-1].Detections
	out := make([]types.Detection, len(dets))
	copy(out, dets)
	return out
}

// Status returns the published aggregate status.
func (s *Smoother) Status() types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Votes counts window entries per status. It backs the published stats.
func (s *Smoother) Votes() map[types.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.Status]int, 4)
	for _, r := range s.window {
		counts[r.Status()]++
	}
	return counts
}

func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

// Reset empties the window and clears the published status.
func (s *Smoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = s.window[:0]
	s.published = types.StatusNone
}
