package webmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/internal/metrics"
	"github.com/dj-oyu/antispoof-monitor/internal/recorder"
	"github.com/dj-oyu/antispoof-monitor/internal/webrtc"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// Server serves the monitor page, the frame ingest endpoints and the state
// streams.
type Server struct {
	cfg      Config
	pipeline Pipeline
	metrics  *metrics.Metrics
	rtc      *webrtc.Server
	frames   *FrameBroadcaster
	states   *StateBroadcaster
	recorder *recorder.Recorder
	blank    []byte
}

// NewServer returns a configured monitor server with its broadcasters
// running. rtc and m may be nil; the matching endpoints then answer 503/404.
func NewServer(cfg Config, p Pipeline, rtc *webrtc.Server, m *metrics.Metrics) (*Server, error) {
	cfg = cfg.withDefaults()

	blank, err := imaging.Blank(cfg.BlankWidth, cfg.BlankHeight, "waiting for camera frames")
	if err != nil {
		return nil, fmt.Errorf("render placeholder frame: %w", err)
	}

	var listener func(*SerializedEvent)
	if rtc != nil {
		listener = func(ev *SerializedEvent) { rtc.SendState(ev.JSONData) }
	}

	s := &Server{
		cfg:      cfg,
		pipeline: p,
		metrics:  m,
		rtc:      rtc,
		frames:   NewFrameBroadcaster(p, cfg.MJPEGInterval),
		states:   NewStateBroadcaster(p, listener),
		blank:    blank,
	}
	if cfg.RecordDir != "" {
		s.recorder = recorder.NewRecorder(cfg.RecordDir)
	}
	s.frames.Start()
	s.states.Start()
	return s, nil
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/frames", s.handleFrames)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/state/stream", s.handleStateStream)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/api/recording/start", s.handleStartRecording)
	mux.HandleFunc("/api/recording/stop", s.handleStopRecording)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return mux
}

// Offer feeds an ingested frame to the pipeline and, while a clip is being
// recorded, to the recorder.
func (s *Server) Offer(frame types.Frame) {
	s.pipeline.Offer(frame)
	if s.recorder != nil {
		s.recorder.SendFrame(frame)
	}
}

// Close stops the broadcasters, ending every open stream, and finishes any
// active recording.
func (s *Server) Close() {
	s.frames.Stop()
	s.states.Stop()
	if s.rtc != nil {
		_ = s.rtc.Close()
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			logger.Warn("Recorder", "Close: %v", err)
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.blank, s.cfg.BlankAfter)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/jpeg") {
		writeJSONWithStatus(w, map[string]any{"error": "expected image/jpeg"}, http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONWithStatus(w, map[string]any{"error": "frame too large"}, http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": "failed to read frame"}, http.StatusBadRequest)
		return
	}

	frame, err := imaging.FrameFromJPEG(body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid jpeg"}, http.StatusBadRequest)
		return
	}
	frame.Timestamp = time.Now()
	s.Offer(frame)

	writeJSONWithStatus(w, FrameAccepted{Accepted: true, Width: frame.Width, Height: frame.Height}, http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pipeline.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hs := s.pipeline.Health()
	writeJSON(w, HealthResponse{
		Backend:   s.pipeline.BackendName(),
		State:     hs.State,
		Error:     hs.Error,
		Since:     unixSeconds(hs.Since),
		LastProbe: hs.LastProbe,
	})
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.states.Subscribe()
	defer s.states.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamStateEventsFromChannel(w, r, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.rtc.HandleOffer(body)
	if err != nil {
		logger.Warn("WebRTC", "Offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is disabled"}, http.StatusServiceUnavailable)
		return
	}
	st, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("Failed to start recording: %v", err)}, http.StatusConflict)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       st.Filename,
		"started_at": unixSeconds(st.StartTime),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is disabled"}, http.StatusServiceUnavailable)
		return
	}
	st, err := s.recorder.Stop()
	if err != nil && st.Filename == "" {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("Failed to stop recording: %v", err)}, http.StatusConflict)
		return
	}
	if err != nil {
		logger.Warn("Recorder", "Clip %s closed with error: %v", st.Filename, err)
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Filename,
		"stopped_at": unixSeconds(time.Now()),
		"stats":      st,
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
