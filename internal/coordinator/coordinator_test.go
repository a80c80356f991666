package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/backend/local"
	"github.com/dj-oyu/antispoof-monitor/internal/guard"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

const noResponse = "No response from server. Please check your connection."

type fakeBackend struct {
	initErr    error
	releaseErr error
	live       types.Liveness
	liveErr    error

	// gate, when set, holds every Infer until it is closed.
	gate    chan struct{}
	started chan struct{}
	infer   func(f types.Frame) (types.BatchResult, error)

	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	releases atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		live:    types.Liveness{Status: "ok", ModelLoaded: true},
		started: make(chan struct{}, 1),
		infer: func(f types.Frame) (types.BatchResult, error) {
			return faces(types.LabelReal), nil
		},
	}
}

func (b *fakeBackend) Name() string                         { return "fake" }
func (b *fakeBackend) Initialize(ctx context.Context) error { return b.initErr }
func (b *fakeBackend) Liveness(ctx context.Context) (types.Liveness, error) {
	return b.live, b.liveErr
}

func (b *fakeBackend) Release(ctx context.Context) error {
	b.releases.Add(1)
	return b.releaseErr
}

func (b *fakeBackend) Infer(ctx context.Context, f types.Frame) (types.BatchResult, error) {
	b.calls.Add(1)
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case b.started <- struct{}{}:
	default:
	}
	if b.gate != nil {
		<-b.gate
	}
	return b.infer(f)
}

func faces(labels ...types.Label) types.BatchResult {
	lat := 42.0
	r := types.BatchResult{Detections: []types.Detection{}, LatencyMs: &lat, FrameWidth: 640, FrameHeight: 480}
	for i, l := range labels {
		r.Detections = append(r.Detections, types.Detection{
			Label:      l,
			Confidence: 0.8 + float64(i)/100,
			BBox:       types.BoundingBox{X: 100 + i*50, Y: 80, W: 120, H: 160},
		})
	}
	return r
}

func jpegFrame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Width: 640, Height: 480, Format: types.FormatJPEG, Data: []byte{0xFF, 0xD8, byte(seq)}}
}

func TestInitialState(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	s := c.Snapshot()
	assert.Equal(t, types.StatusNone, s.Status)
	assert.Equal(t, types.HealthUnknown, s.Health)
	assert.Empty(t, s.Detections)
	assert.Empty(t, s.Error)
}

func TestSingleRealFacePublishes(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	before := c.Snapshot().Version

	c.handle(jpegFrame(1), faces(types.LabelReal), nil, 50*time.Millisecond)

	s := c.Snapshot()
	require.Len(t, s.Detections, 1)
	assert.Equal(t, types.LabelReal, s.Detections[0].Label)
	assert.Equal(t, types.StatusReal, s.Status)
	assert.Equal(t, types.HealthHealthy, s.Health)
	assert.Empty(t, s.Error)
	require.NotNil(t, s.LatencyMs)
	assert.Equal(t, 42.0, *s.LatencyMs)
	assert.Equal(t, 640, s.FrameWidth)
	assert.InDelta(t, 0.8, s.MaxConfidence, 1e-9)
	assert.Greater(t, s.Version, before)
	assert.Equal(t, uint64(1), s.Stats.Successes)
}

func TestFrameSizeFallsBackToSourceFrame(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	res := faces(types.LabelReal)
	res.FrameWidth, res.FrameHeight = 0, 0

	c.handle(jpegFrame(1), res, nil, time.Millisecond)

	s := c.Snapshot()
	assert.Equal(t, 640, s.FrameWidth)
	assert.Equal(t, 480, s.FrameHeight)
}

func TestConnectivityFailureClearsDetections(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	c.handle(jpegFrame(1), faces(types.LabelReal), nil, time.Millisecond)

	err := backend.ConnectivityError("no_response", noResponse, nil)
	c.handle(jpegFrame(2), types.BatchResult{}, err, time.Millisecond)

	s := c.Snapshot()
	assert.Empty(t, s.Detections)
	assert.Equal(t, types.StatusNone, s.Status)
	assert.Equal(t, types.HealthUnhealthy, s.Health)
	assert.Equal(t, noResponse, s.Error)
	assert.Nil(t, s.LatencyMs)
	assert.Equal(t, uint64(1), s.Stats.ConnectivityFailures)
}

func TestContentFailureKeepsLastGoodState(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	c.handle(jpegFrame(1), faces(types.LabelFake), nil, time.Millisecond)
	before := c.Snapshot()

	err := backend.ContentError("no_face", "No face detected", 422, nil)
	c.handle(jpegFrame(2), types.BatchResult{}, err, time.Millisecond)

	after := c.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, types.StatusFake, after.Status)
	assert.Equal(t, types.HealthHealthy, after.Health)
	assert.Empty(t, after.Error)
	assert.Equal(t, uint64(1), after.Stats.ContentFailures)
}

func TestAlternatingResultsSettleOnMajority(t *testing.T) {
	c := New(newFakeBackend(), Options{Window: 5})
	for i, l := range []types.Label{types.LabelReal, types.LabelFake, types.LabelReal, types.LabelFake, types.LabelReal} {
		c.handle(jpegFrame(uint64(i+1)), faces(l), nil, time.Millisecond)
	}
	s := c.Snapshot()
	assert.Equal(t, types.StatusReal, s.Status)
	assert.Equal(t, map[types.Status]int{types.StatusReal: 3, types.StatusFake: 2}, s.Stats.Votes)
}

func TestIsolatedFakeDoesNotFlipStatus(t *testing.T) {
	c := New(newFakeBackend(), Options{Window: 5})
	for i := 0; i < 4; i++ {
		c.handle(jpegFrame(uint64(i+1)), faces(types.LabelReal), nil, time.Millisecond)
	}
	c.handle(jpegFrame(5), faces(types.LabelFake), nil, time.Millisecond)

	s := c.Snapshot()
	assert.Equal(t, types.StatusReal, s.Status)
	require.Len(t, s.Detections, 1)
	assert.Equal(t, types.LabelFake, s.Detections[0].Label, "raw detections follow the latest frame")
}

func TestSkippedFrameIsCountedNotPublished(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	before := c.Snapshot().Version

	c.handle(jpegFrame(1), types.BatchResult{}, guard.ErrSkipped, 0)

	assert.Equal(t, before, c.Snapshot().Version)
	assert.Equal(t, uint64(1), c.Metrics().InferenceSkipped.Load())
	assert.Equal(t, uint64(0), c.Metrics().InferenceCalls.Load())
}

func TestSubscribeReceivesChanges(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	first := <-ch
	assert.Equal(t, types.StatusNone, first.Status)

	c.handle(jpegFrame(1), faces(types.LabelReal, types.LabelFake), nil, time.Millisecond)

	select {
	case s := <-ch:
		assert.Equal(t, types.StatusMixed, s.Status)
		assert.Len(t, s.Detections, 2)
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}
	assert.Equal(t, int64(1), c.Metrics().ActiveSubscribers.Load())
}

func TestSlowSubscriberGetsLatestState(t *testing.T) {
	c := New(newFakeBackend(), Options{Window: 1})
	_, ch := c.Subscribe()

	for i := 0; i < 20; i++ {
		l := types.LabelReal
		if i == 19 {
			l = types.LabelFake
		}
		c.handle(jpegFrame(uint64(i+1)), faces(l), nil, time.Millisecond)
	}

	var last State
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, types.StatusFake, last.Status)
}

func TestOfferIgnoresEmptyFrames(t *testing.T) {
	c := New(newFakeBackend(), Options{})
	c.Offer(types.Frame{})
	_, ok := c.LastFrame()
	assert.False(t, ok)

	c.Offer(jpegFrame(3))
	f, ok := c.LastFrame()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)
}

func TestAtMostOneCallInFlight(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	c := New(b, Options{Rate: 100, ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var seq uint64
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				seq++
				c.Offer(jpegFrame(seq))
			}
		}
	}()

	require.Eventually(t, func() bool { return c.Metrics().InferenceSkipped.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), b.peak.Load())
	assert.Equal(t, int32(1), b.calls.Load())

	close(b.gate)
	require.Eventually(t, func() bool { return c.Snapshot().Status == types.StatusReal }, 2*time.Second, 5*time.Millisecond)

	close(stop)
	wg.Wait()
	require.NoError(t, c.Release(context.Background()))
	assert.Equal(t, int32(1), b.peak.Load())
}

func TestReleaseWaitsForInflightCallAndDiscardsResult(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	c := New(b, Options{Rate: 100, ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))

	_, sub := c.Subscribe()
	c.Offer(jpegFrame(1))
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never called")
	}

	released := make(chan error, 1)
	go func() { released <- c.Release(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Release returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(0), b.releases.Load(), "backend released before the call finished")

	close(b.gate)
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Release did not return")
	}

	s := c.Snapshot()
	assert.Equal(t, types.StatusNone, s.Status, "in-flight result must be discarded")
	assert.Empty(t, s.Detections)
	assert.Equal(t, types.HealthUnknown, s.Health)
	assert.False(t, s.Stats.Guard.Busy)
	assert.Equal(t, int32(1), b.releases.Load())

	// Subscribers drain to a closed channel.
	for range sub {
	}

	// No submissions after release, and a second Release is a no-op.
	c.Offer(jpegFrame(2))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), b.calls.Load())
	require.NoError(t, c.Release(context.Background()))
	assert.Equal(t, int32(1), b.releases.Load())
	assert.ErrorIs(t, c.Start(context.Background()), ErrReleased)
}

func TestReleaseReturnsBackendError(t *testing.T) {
	b := newFakeBackend()
	b.releaseErr = backend.ReleaseError(errors.New("session busy"))
	c := New(b, Options{ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))

	err := c.Release(context.Background())
	require.Error(t, err)
	assert.Equal(t, backend.KindRelease, backend.KindOf(err))
	assert.True(t, c.Released())
}

func TestInitFailureSurfacesAsUnhealthy(t *testing.T) {
	b := newFakeBackend()
	b.initErr = backend.ErrNotInitialized
	b.liveErr = backend.ConnectivityError("no_response", noResponse, nil)
	c := New(b, Options{ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	defer c.Release(context.Background())

	s := c.Snapshot()
	assert.Equal(t, types.HealthUnhealthy, s.Health)
	assert.Equal(t, "inference backend is not initialized", s.Error)
}

func TestStartTwice(t *testing.T) {
	c := New(newFakeBackend(), Options{ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	defer c.Release(context.Background())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestProbeUpdatesPublishedHealth(t *testing.T) {
	b := newFakeBackend()
	c := New(b, Options{ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	defer c.Release(context.Background())

	require.Eventually(t, func() bool { return c.Snapshot().Health == types.HealthHealthy }, 2*time.Second, 5*time.Millisecond)
	hs := c.Health()
	require.NotNil(t, hs.LastProbe)
	assert.True(t, hs.LastProbe.Liveness.ModelLoaded)
}

func TestSettleWaitsForLastFrame(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	c := New(b, Options{Rate: 50})
	require.NoError(t, c.Start(context.Background()))
	defer c.Release(context.Background())

	c.Offer(jpegFrame(1))
	<-b.started

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Settle(short), context.DeadlineExceeded)

	close(b.gate)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, c.Settle(ctx))
	assert.Equal(t, types.StatusReal, c.Snapshot().Status)
}

// hungSession is a model session whose Run blocks until the session is
// closed; with honourCtx it also gives up when the call's context ends.
type hungSession struct {
	honourCtx bool
	running   chan struct{}
	closed    chan struct{}
	once      sync.Once
}

func newHungSession(honourCtx bool) *hungSession {
	return &hungSession{honourCtx: honourCtx, running: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (s *hungSession) Run(ctx context.Context, f types.Frame) ([]float32, error) {
	select {
	case s.running <- struct{}{}:
	default:
	}
	done := ctx.Done()
	if !s.honourCtx {
		done = nil
	}
	select {
	case <-done:
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("session closed")
	}
}

func (s *hungSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func localBackend(s local.Session, timeout time.Duration) *local.Backend {
	return local.New(local.Options{
		Loader:  func(ctx context.Context) (local.Session, error) { return s, nil },
		Timeout: timeout,
	})
}

func rgbFrame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Width: 8, Height: 8, Format: types.FormatRGB24, Data: make([]byte, 8*8*3)}
}

func TestReleaseHonoursDeadlineWithHungLocalSession(t *testing.T) {
	s := newHungSession(false)
	c := New(localBackend(s, time.Hour), Options{Rate: 100, ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))

	c.Offer(rgbFrame(1))
	select {
	case <-s.running:
	case <-time.After(2 * time.Second):
		t.Fatal("session never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	released := make(chan error, 1)
	go func() { released <- c.Release(ctx) }()

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Release ignored its deadline")
	}
	assert.True(t, c.Released())

	select {
	case <-s.closed:
	default:
		t.Fatal("session was not closed")
	}
	assert.Equal(t, types.HealthUnknown, c.Snapshot().Health)
}

func TestStalledLocalSessionTimesOutAsUnhealthy(t *testing.T) {
	s := newHungSession(true)
	c := New(localBackend(s, 50*time.Millisecond), Options{Rate: 100, ProbeInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	defer c.Release(context.Background())

	require.Eventually(t, func() bool { return c.Snapshot().Health == types.HealthHealthy }, 2*time.Second, 5*time.Millisecond)

	c.Offer(rgbFrame(1))
	require.Eventually(t, func() bool { return c.Snapshot().Health == types.HealthUnhealthy }, 2*time.Second, 5*time.Millisecond)

	st := c.Snapshot()
	assert.Equal(t, "Model inference timed out", st.Error)
	assert.Equal(t, uint64(1), st.Stats.ConnectivityFailures)
	assert.False(t, st.Stats.Guard.Busy, "a timed-out call frees the guard")
}
