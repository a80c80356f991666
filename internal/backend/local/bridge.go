package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// Bridge is a Session backed by a child process speaking the framed protocol:
// requests go to its stdin, responses come back on FD 3.
//
// mu serializes request/response pairs. Close does not take it, so closing
// the pipes unblocks a Run stuck waiting for a response.
type Bridge struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	stdin  io.WriteCloser
	data   io.ReadCloser

	closed  atomic.Bool
	aborted atomic.Bool
}

var _ Session = (*Bridge)(nil)

// NewBridge wraps already-connected pipes. Used for in-process bridges and tests.
func NewBridge(stdin io.WriteCloser, data io.ReadCloser) *Bridge {
	return &Bridge{stdin: stdin, data: data}
}

// StartBridge launches argv[0] with the remaining arguments.
func StartBridge(argv []string) (*Bridge, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty bridge command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	// Side-channel pipe so the bridge's own stdout logging cannot corrupt responses.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("bridge %q failed to start: %w", argv[0], err)
	}
	w.Close()

	logger.Info("Bridge", "Started %s (pid %d)", strings.Join(argv, " "), cmd.Process.Pid)
	return &Bridge{cmd: cmd, stderr: stderr, stdin: stdin, data: r}, nil
}

// BridgeLoader returns a Loader that starts argv as the model session.
func BridgeLoader(argv []string) Loader {
	return func(ctx context.Context) (Session, error) {
		return StartBridge(argv)
	}
}

// Run sends frame as RGB24 and waits for the detection rows. A response that
// misses ctx's deadline leaves the stream out of step, so the bridge is shut
// down and every later Run fails as a connectivity error.
func (b *Bridge) Run(ctx context.Context, frame types.Frame) ([]float32, error) {
	pixels, w, h, err := imaging.ToRGB24(frame)
	if err != nil {
		return nil, &backend.Error{Kind: backend.KindContent, Code: "invalid_image", Message: "Invalid image", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.closedErr(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.ConnectivityError("canceled", err.Error(), err)
	}

	stop := context.AfterFunc(ctx, func() {
		b.aborted.Store(true)
		if err := b.Close(); err != nil {
			logger.Warn("Bridge", "Close after abort: %v", err)
		}
	})
	defer stop()

	if err := WriteRequest(b.stdin, Request{Width: w, Height: h, Format: types.FormatRGB24, Pixels: pixels}); err != nil {
		return nil, b.runErr(ctx, err)
	}

	rows, err := ReadResponse(b.data)
	if err != nil {
		var bf *bridgeFailure
		if errors.As(err, &bf) {
			return nil, backend.ContentError("bridge_error", bf.msg, 0, err)
		}
		return nil, b.runErr(ctx, err)
	}
	return rows, nil
}

// Alive reports whether the bridge can still serve requests.
func (b *Bridge) Alive() bool { return !b.closed.Load() }

func (b *Bridge) closedErr() error {
	if !b.closed.Load() {
		return nil
	}
	if b.aborted.Load() {
		return backend.ConnectivityError("bridge_down", "Model bridge is not responding", nil)
	}
	return backend.ErrNotInitialized
}

func (b *Bridge) runErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return backend.ConnectivityError("timeout", "Model bridge timed out", err)
	case ctx.Err() != nil:
		return backend.ConnectivityError("canceled", ctx.Err().Error(), err)
	case b.closed.Load() && !b.aborted.Load():
		return backend.ErrNotInitialized
	}
	return b.deadErr(err)
}

func (b *Bridge) deadErr(err error) *backend.Error {
	msg := "Model bridge is not responding"
	if b.stderr != nil && b.stderr.Len() > 0 {
		logger.Warn("Bridge", "bridge stderr:\n%s", tail(b.stderr.String(), 2048))
	}
	return backend.ConnectivityError("bridge_down", msg, err)
}

// Close shuts the pipes and reaps the process. Safe to call more than once
// and while a Run is waiting.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	errIn := b.stdin.Close()
	errData := b.data.Close()
	if b.cmd == nil {
		return errors.Join(errIn, errData)
	}

	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		_ = b.cmd.Process.Kill()
		return fmt.Errorf("bridge did not exit, killed: %w", <-done)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
