// Package guard enforces that at most one inference call is outstanding.
package guard

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// ErrSkipped is returned when a frame arrives while a call is in flight. It is
// neither a success nor a backend failure; callers drop the frame.
var ErrSkipped = errors.New("guard: inference in flight, frame skipped")

// Guard serializes backend calls, dropping overlapping ones.
type Guard struct {
	backend backend.Backend
	busy    atomic.Bool

	calls   atomic.Uint64
	skipped atomic.Uint64
}

// New returns an idle Guard in front of b.
func New(b backend.Backend) *Guard {
	return &Guard{backend: b}
}

// Submit runs one backend call for frame if no other call is in flight.
//
// The busy flag is taken before the backend does any work on the frame
// (encoding, resizing, upload) and released when the call returns, whether it
// succeeded or not.
func (g *Guard) Submit(ctx context.Context, frame types.Frame) (types.BatchResult, error) {
	if !g.busy.CompareAndSwap(false, true) {
		g.skipped.Add(1)
		return types.BatchResult{}, ErrSkipped
	}
	defer g.busy.Store(false)

	g.calls.Add(1)
	return g.backend.Infer(ctx, frame)
}

// Busy reports whether a call is in flight.
func (g *Guard) Busy() bool { return g.busy.Load() }

// Reset clears the counters. The busy flag belongs to the in-flight call and
// is left alone.
func (g *Guard) Reset() {
	g.calls.Store(0)
	g.skipped.Store(0)
}

// Stats is a snapshot of guard counters.
type Stats struct {
	Calls   uint64 `json:"calls"`
	Skipped uint64 `json:"skipped"`
	Busy    bool   `json:"busy"`
}

func (g *Guard) Stats() Stats {
	return Stats{Calls: g.calls.Load(), Skipped: g.skipped.Load(), Busy: g.busy.Load()}
}
