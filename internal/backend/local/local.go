// Package local implements the inference backend on top of an on-device model
// session that is loaded once and released explicitly.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// RowSize is the number of floats per detection row: x, y, w, h, conf, cls.
const RowSize = 6

// DefaultThreshold is the minimum (exclusive) confidence a row needs to be kept.
const DefaultThreshold = 0.6

// DefaultTimeout bounds one Session.Run.
const DefaultTimeout = 30 * time.Second

const msgTimeout = "Model inference timed out"

// Session runs the model on one frame and returns flattened detection rows
// with coordinates normalized to [0,1]. Run must return once ctx is done, and
// Close must not wait for a Run in progress.
type Session interface {
	Run(ctx context.Context, frame types.Frame) ([]float32, error)
	Close() error
}

// Loader creates a Session. It may block while the model loads.
type Loader func(ctx context.Context) (Session, error)

// Options configures a Backend.
type Options struct {
	Loader    Loader
	Threshold float64
	Timeout   time.Duration // per Run
	Device    string
	Version   string
}

// Backend adapts a Session to backend.Backend.
type Backend struct {
	opts Options
	log  logger.Scoped

	mu       sync.RWMutex
	session  Session
	loadedAt time.Time
}

var _ backend.Backend = (*Backend)(nil)

// New returns an uninitialized Backend.
func New(opts Options) *Backend {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Device == "" {
		opts.Device = "local"
	}
	return &Backend{opts: opts, log: logger.Module("LocalBackend")}
}

func (b *Backend) Name() string { return "local(" + b.opts.Device + ")" }

// Initialize loads the model session. Calling it again after success is a no-op.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		return nil
	}
	if b.opts.Loader == nil {
		return &backend.Error{Kind: backend.KindNotInitialized, Code: "no_loader", Message: "no model loader configured"}
	}

	start := time.Now()
	s, err := b.opts.Loader(ctx)
	if err != nil {
		return &backend.Error{
			Kind:    backend.KindNotInitialized,
			Code:    "load_failed",
			Message: fmt.Sprintf("failed to load model: %v", err),
			Err:     err,
		}
	}
	b.session = s
	b.loadedAt = time.Now()
	b.log.Info("Model loaded in %s (threshold %.2f)", time.Since(start).Round(time.Millisecond), b.opts.Threshold)
	return nil
}

// Infer runs the session on frame. It fails fast when the session is not loaded.
func (b *Backend) Infer(ctx context.Context, frame types.Frame) (types.BatchResult, error) {
	b.mu.RLock()
	s := b.session
	b.mu.RUnlock()

	if s == nil {
		return types.BatchResult{}, backend.ErrNotInitialized
	}

	width, height, err := imaging.Size(frame)
	if err != nil {
		return types.BatchResult{}, &backend.Error{Kind: backend.KindContent, Code: "invalid_image", Message: "Invalid image", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	start := time.Now()
	rows, err := s.Run(ctx, frame)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		var be *backend.Error
		switch {
		case errors.As(err, &be):
			return types.BatchResult{}, err
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return types.BatchResult{}, backend.ConnectivityError("timeout", msgTimeout, err)
		case errors.Is(err, context.Canceled):
			return types.BatchResult{}, backend.ConnectivityError("canceled", err.Error(), err)
		}
		return types.BatchResult{}, backend.ContentError("inference_failed", err.Error(), 0, err)
	}

	return types.BatchResult{
		Seq:         frame.Seq,
		Detections:  Postprocess(rows, width, height, b.opts.Threshold),
		LatencyMs:   &elapsed,
		FrameWidth:  width,
		FrameHeight: height,
	}, nil
}

// Liveness reports whether the model session is loaded and still serving.
func (b *Backend) Liveness(ctx context.Context) (types.Liveness, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	live := types.Liveness{
		Status:  "not_loaded",
		Device:  b.opts.Device,
		Version: b.opts.Version,
	}
	if b.session == nil {
		return live, nil
	}
	if a, ok := b.session.(interface{ Alive() bool }); ok && !a.Alive() {
		live.Status = "session_down"
		return live, nil
	}
	up := time.Since(b.loadedAt).Seconds()
	live.Status = "ok"
	live.ModelLoaded = true
	live.UptimeSeconds = &up
	return live, nil
}

// Release detaches the session and closes it without waiting for an
// in-flight Infer; that call fails once its session is gone. It returns when
// Close does or ctx is done, whichever comes first.
func (b *Backend) Release(ctx context.Context) error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	b.mu.Unlock()

	if s == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			err = fmt.Errorf("session close still running: %w", ctx.Err())
		}
	}
	if err != nil {
		return backend.ReleaseError(err)
	}
	b.log.Info("Model released")
	return nil
}

// Postprocess converts flattened normalized rows into detections in pixel
// space, keeping rows whose confidence is strictly above threshold. A trailing
// partial row is ignored.
func Postprocess(rows []float32, width, height int, threshold float64) []types.Detection {
	n := len(rows) / RowSize
	dets := make([]types.Detection, 0, n)
	for i := 0; i < n; i++ {
		r := rows[i*RowSize : (i+1)*RowSize]
		if r[4] <= float32(threshold) {
			continue
		}
		label := types.LabelFake
		if int(r[5]) == 1 {
			label = types.LabelReal
		}
		dets = append(dets, types.Detection{
			Label:      label,
			Confidence: float64(r[4]),
			BBox: types.NewBoundingBox(
				int(r[0]*float32(width)),
				int(r[1]*float32(height)),
				int(r[2]*float32(width)),
				int(r[3]*float32(height)),
			),
		})
	}
	return dets
}
