// Package sampler turns a fast, bursty frame source into a fixed-rate stream
// of the freshest frames.
package sampler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// DefaultRate is the sampling rate in frames per second.
const DefaultRate = 3.0

// Sampler holds at most one pending frame. A newer frame replaces an older
// unconsumed one; nothing is ever queued behind it.
type Sampler struct {
	interval time.Duration
	now      func() time.Time
	log      logger.Scoped

	mu      sync.Mutex
	pending types.Frame
	has     bool
	last    time.Time
	seq     uint64

	wake     chan struct{}
	emitting atomic.Bool

	offered   atomic.Uint64
	emitted   atomic.Uint64
	discarded atomic.Uint64
}

// New returns a Sampler emitting at most rate frames per second.
func New(rate float64) *Sampler {
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Sampler{
		interval: time.Duration(float64(time.Second) / rate),
		now:      time.Now,
		log:      logger.Module("Sampler"),
		wake:     make(chan struct{}, 1),
	}
}

// Interval is the minimum spacing between emissions.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Offer makes f the latest frame and reports whether it replaced an
// unconsumed one. It never blocks.
func (s *Sampler) Offer(f types.Frame) (replaced bool) {
	s.offered.Add(1)

	s.mu.Lock()
	replaced = s.has
	if replaced {
		s.discarded.Add(1)
	}
	s.pending = f
	s.has = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return replaced
}

// take hands out the pending frame if one interval has passed since the last
// emission. Otherwise it reports how long to wait.
func (s *Sampler) take(now time.Time) (types.Frame, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.has {
		return types.Frame{}, 0, false
	}
	if !s.last.IsZero() {
		if wait := s.interval - now.Sub(s.last); wait > 0 {
			return types.Frame{}, wait, false
		}
	}

	f := s.pending
	s.pending = types.Frame{}
	s.has = false
	s.last = now
	s.seq++
	f.Seq = s.seq
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	s.emitted.Add(1)
	s.emitting.Store(true)
	return f, 0, true
}

// Pending reports whether a frame is waiting for emission or is being handed
// to the emit callback right now.
func (s *Sampler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.has || s.emitting.Load()
}

// Run emits sampled frames until ctx is cancelled. emit is called from Run's
// goroutine and must not block on inference.
func (s *Sampler) Run(ctx context.Context, emit func(types.Frame)) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	s.log.Debug("Sampling at %.2f fps (interval %s)", float64(time.Second)/float64(s.interval), s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
			timerC = nil
		}

		f, wait, ok := s.take(s.now())
		if !ok {
			// Deferred: fire once the interval elapses and emit whatever is latest then.
			if wait > 0 && timerC == nil {
				timer = time.NewTimer(wait)
				timerC = timer.C
			}
			continue
		}
		emit(f)
		s.emitting.Store(false)
	}
}

// Reset drops any pending frame and forgets the last emission time.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.pending = types.Frame{}
	s.has = false
	s.last = time.Time{}
	s.mu.Unlock()
}

// Stats is a snapshot of sampler counters.
type Stats struct {
	Offered   uint64 `json:"offered"`
	Emitted   uint64 `json:"emitted"`
	Discarded uint64 `json:"discarded"`
}

func (s *Sampler) Stats() Stats {
	return Stats{
		Offered:   s.offered.Load(),
		Emitted:   s.emitted.Load(),
		Discarded: s.discarded.Load(),
	}
}
