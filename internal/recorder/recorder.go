// Package recorder captures ingested JPEG frames into a concatenated MJPEG
// clip that the replay command can play back.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// queueFrames buffers about two seconds of input at 30 fps.
const queueFrames = 60

// Recorder writes frames to one clip at a time.
type Recorder struct {
	basePath string
	log      logger.Scoped

	mu           sync.RWMutex
	file         *os.File
	filename     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	dropped      uint64
	startTime    time.Time
	stopTime     time.Time

	frames chan []byte
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder returns a recorder writing clips under basePath.
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath: basePath,
		log:      logger.Module("Recorder"),
		frames:   make(chan []byte, queueFrames),
	}
}

// Start opens a new clip and returns its status.
func (r *Recorder) Start() (RecordingStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return RecordingStatus{}, fmt.Errorf("already recording")
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return RecordingStatus{}, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	now := time.Now()
	filename := fmt.Sprintf("clip_%s.mjpeg", now.Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return RecordingStatus{}, fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.startTime = now
	r.stopTime = time.Time{}
	r.stop = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.stop)

	r.log.Info("Recording to %s", filename)
	return r.statusLocked(), nil
}

// Stop finishes the current clip and returns its final status.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTime = time.Now()

	var err error
	if r.file != nil {
		if serr := r.file.Sync(); serr != nil {
			err = fmt.Errorf("failed to sync file: %w", serr)
		}
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
		r.file = nil
	}

	st := r.statusLocked()
	r.log.Info("Stopped %s: %d frames, %d bytes, %d dropped", st.Filename, st.FrameCount, st.BytesWritten, st.Dropped)
	return st, err
}

// SendFrame queues a JPEG frame without blocking. It reports whether the
// frame was accepted; frames are dropped when idle, full or not JPEG.
func (r *Recorder) SendFrame(frame types.Frame) bool {
	if frame.Format != types.FormatJPEG || frame.IsZero() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return false
	}

	select {
	case r.frames <- frame.Data:
		return true
	default:
		r.dropped++
		return false
	}
}

func (r *Recorder) writeFrames(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case data := <-r.frames:
			r.writeFrame(data)
		case <-stop:
			// drain what was queued before Stop
			for {
				select {
				case data := <-r.frames:
					r.writeFrame(data)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	n, err := r.file.Write(data)
	if err != nil {
		r.log.Warn("Write failed: %v", err)
		return
	}
	r.bytesWritten += uint64(n)
	r.frameCount++
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	end := r.stopTime
	if r.recording {
		end = time.Now()
	}
	var duration time.Duration
	if !r.startTime.IsZero() && !end.IsZero() {
		duration = end.Sub(r.startTime)
	}
	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		Path:         filepath.Join(r.basePath, r.filename),
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Dropped:      r.dropped,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Dropped      uint64    `json:"dropped"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
