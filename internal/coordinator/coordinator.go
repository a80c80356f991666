// Package coordinator drives sampled frames through the inference backend and
// publishes a smoothed, health-aware view of the results.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/guard"
	"github.com/dj-oyu/antispoof-monitor/internal/health"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/internal/metrics"
	"github.com/dj-oyu/antispoof-monitor/internal/sampler"
	"github.com/dj-oyu/antispoof-monitor/internal/smoother"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

const settlePoll = 5 * time.Millisecond

var (
	ErrReleased       = errors.New("coordinator: released")
	ErrAlreadyStarted = errors.New("coordinator: already started")
)

// Options configures a Coordinator. Zero values pick the package defaults.
type Options struct {
	Rate          float64
	Window        int
	ProbeInterval time.Duration
	Metrics       *metrics.Metrics
}

// Coordinator owns one inference session: init -> active -> released.
type Coordinator struct {
	backend  backend.Backend
	sampler  *sampler.Sampler
	guard    *guard.Guard
	smoother *smoother.Smoother
	health   *health.Tracker
	prober   *health.Prober
	metrics  *metrics.Metrics
	log      logger.Scoped
	now      func() time.Time

	mu       sync.Mutex
	state    State
	started  bool
	released bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
	calls    atomic.Int64

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int

	frameMu   sync.RWMutex
	lastFrame types.Frame
}

// New wires a coordinator around b. Nothing runs until Start.
func New(b backend.Backend, opts Options) *Coordinator {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	c := &Coordinator{
		backend:  b,
		sampler:  sampler.New(opts.Rate),
		guard:    guard.New(b),
		smoother: smoother.New(opts.Window),
		health:   health.NewTracker(),
		metrics:  m,
		log:      logger.Module("Coordinator"),
		now:      time.Now,
		subs:     make(map[int]chan State),
	}
	c.prober = health.NewProber(b, c.health, opts.ProbeInterval, c.onProbe)
	c.state = c.initialState(0)
	return c
}

func (c *Coordinator) initialState(version uint64) State {
	return State{
		Version:    version,
		Detections: []types.Detection{},
		Status:     types.StatusNone,
		Health:     types.HealthUnknown,
		UpdatedAt:  c.now(),
	}
}

// Start initializes the backend and starts the sampling and probing loops.
// A failed initialization is surfaced through the published health, not
// returned: the session keeps running and the prober reports recovery.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("Initializing backend %s", c.backend.Name())
	if err := c.backend.Initialize(ctx); err != nil {
		c.log.Warn("Backend initialization failed: %v", err)
		c.mu.Lock()
		if c.health.Observe(health.NotInitialized, err) {
			c.clearLocked()
		}
		c.mu.Unlock()
	}

	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		_ = c.sampler.Run(runCtx, c.dispatch)
	}()
	go func() {
		defer c.loops.Done()
		c.prober.Run(runCtx)
	}()

	c.log.Info("Started (%.2f fps, window %d)", float64(time.Second)/float64(c.sampler.Interval()), c.smoother.Capacity())
	return nil
}

// Offer hands a source frame to the sampler. It never blocks.
func (c *Coordinator) Offer(f types.Frame) {
	if f.IsZero() {
		return
	}
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return
	}

	c.frameMu.Lock()
	c.lastFrame = f
	c.frameMu.Unlock()

	c.metrics.FramesOffered.Add(1)
	if c.sampler.Offer(f) {
		c.metrics.FramesDiscarded.Add(1)
	}
}

// LastFrame returns the most recently offered source frame.
func (c *Coordinator) LastFrame() (types.Frame, bool) {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	return c.lastFrame, !c.lastFrame.IsZero()
}

// dispatch is the sampler's emit callback. It must return promptly, so the
// guarded call runs on its own goroutine. The call context is detached from
// the session: releasing never cancels a request already on the wire.
func (c *Coordinator) dispatch(f types.Frame) {
	c.metrics.FramesSampled.Add(1)

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.calls.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		defer c.calls.Add(-1)
		started := c.now()
		res, err := c.guard.Submit(context.Background(), f)
		c.handle(f, res, err, c.now().Sub(started))
	}()
}

func (c *Coordinator) handle(f types.Frame, res types.BatchResult, err error, elapsed time.Duration) {
	outcome := health.Classify(err)
	if outcome == health.Skipped {
		c.metrics.InferenceSkipped.Add(1)
		c.log.Debug("Frame %d skipped: inference in flight", f.Seq)
		return
	}
	c.metrics.InferenceCalls.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		c.log.Debug("Discarding result of frame %d after release", f.Seq)
		return
	}

	switch outcome {
	case health.Success:
		c.metrics.InferenceSuccesses.Add(1)
		c.metrics.ObserveLatency(elapsed)
		if res.FrameWidth == 0 || res.FrameHeight == 0 {
			res.FrameWidth, res.FrameHeight = f.Width, f.Height
		}
		res.Seq = f.Seq
		status := c.smoother.Observe(res)
		c.health.Observe(outcome, nil)

		dets := c.smoother.Current()
		c.state.Detections = dets
		c.state.Status = status
		c.state.MaxConfidence = types.MaxConfidence(dets)
		c.state.LatencyMs = res.LatencyMs
		c.state.FrameWidth = res.FrameWidth
		c.state.FrameHeight = res.FrameHeight
		c.state.Seq = f.Seq
		c.publishLocked()

	case health.ContentFailure:
		c.metrics.ContentFailures.Add(1)
		c.health.Observe(outcome, err)

	case health.ConnectivityFailure, health.NotInitialized:
		c.metrics.ConnectivityFailures.Add(1)
		c.health.Observe(outcome, err)
		c.clearLocked()
	}
}

// Settle blocks until no sampled frame is waiting and no call is in flight, so
// the published state reflects every frame offered so far.
func (c *Coordinator) Settle(ctx context.Context) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		// Sampler first: a frame it already emitted has bumped calls.
		if !c.sampler.Pending() && c.calls.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// clearLocked drops published detections after the backend became unusable.
func (c *Coordinator) clearLocked() {
	c.state.Detections = []types.Detection{}
	c.state.Status = types.StatusNone
	c.state.MaxConfidence = 0
	c.state.LatencyMs = nil
	c.publishLocked()
}

func (c *Coordinator) onProbe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.publishLocked()
}

// publishLocked stamps the state with the current health and fans it out.
func (c *Coordinator) publishLocked() {
	hs := c.health.Snapshot()
	c.metrics.HealthState.Store(uint64(hs.State))

	c.state.Version++
	c.state.Health = hs.State
	c.state.Error = hs.Error
	c.state.UpdatedAt = c.now()
	c.state.Stats = c.stats()

	c.broadcast(c.state.clone())
}

// Snapshot returns a copy of the published state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state.clone()
	s.Stats = c.stats()
	return s
}

// Health returns the tracker snapshot including the last liveness probe.
func (c *Coordinator) Health() health.Snapshot {
	return c.health.Snapshot()
}

// BackendName identifies the backend for display.
func (c *Coordinator) BackendName() string { return c.backend.Name() }

func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

func (c *Coordinator) stats() Stats {
	return Stats{
		Sampler:              c.sampler.Stats(),
		Guard:                c.guard.Stats(),
		Successes:            c.metrics.InferenceSuccesses.Load(),
		ContentFailures:      c.metrics.ContentFailures.Load(),
		ConnectivityFailures: c.metrics.ConnectivityFailures.Load(),
		Votes:                c.smoother.Votes(),
	}
}

// Release ends the session. No frame is submitted after it begins; the call in
// flight, if any, gets until ctx is done to finish and its result is
// discarded. The backend is released either way. Backend
// release failures are logged and returned but leave the coordinator
// released. Calling Release again is a no-op.
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Info("Releasing")
	if cancel != nil {
		cancel()
	}
	c.loops.Wait()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("In-flight inference still running at release deadline")
	}

	err := c.backend.Release(context.WithoutCancel(ctx))
	if err != nil {
		c.log.Error("Backend release failed: %v", err)
	}

	c.guard.Reset()
	c.smoother.Reset()
	c.health.Reset()
	c.sampler.Reset()

	c.mu.Lock()
	c.state = c.initialState(c.state.Version)
	c.publishLocked()
	c.mu.Unlock()

	c.closeSubscribers()
	c.log.Info("Released")
	return err
}

// Released reports whether Release has been called.
func (c *Coordinator) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
