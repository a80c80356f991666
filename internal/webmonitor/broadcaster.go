package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/antispoof-monitor/internal/coordinator"
	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
)

// SerializedEvent holds a state update in both wire formats so each client
// write is a plain copy.
type SerializedEvent struct {
	Version      uint64
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// serializeState encodes st as JSON and as a protobuf Struct carrying the same
// fields.
func serializeState(st coordinator.State) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	pbStruct, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		Version:      st.Version,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// StateBroadcaster fans coordinator state changes out to stream clients.
type StateBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	latest   *SerializedEvent
	pipeline Pipeline
	listener func(*SerializedEvent)
	subID    int
	stop     chan struct{}
	stopOnce sync.Once
	stopped  bool
	started  bool
	done     chan struct{}
}

// NewStateBroadcaster creates a broadcaster over p. listener, if set, sees
// every event too (the WebRTC state channel uses it).
func NewStateBroadcaster(p Pipeline, listener func(*SerializedEvent)) *StateBroadcaster {
	return &StateBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		pipeline: p,
		listener: listener,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a client. The latest state, if any, is queued right away.
func (sb *StateBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 2)
	if sb.stopped {
		close(ch)
		return id, ch
	}
	if sb.latest != nil {
		ch <- sb.latest
	}
	sb.clients[id] = ch

	logger.Debug("StateBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StateBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		logger.Debug("StateBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

func (sb *StateBroadcaster) Start() {
	id, ch := sb.pipeline.Subscribe()
	sb.mu.Lock()
	sb.subID = id
	sb.started = true
	sb.mu.Unlock()
	go sb.run(ch)
}

// Stop halts the broadcaster and disconnects every client.
func (sb *StateBroadcaster) Stop() {
	sb.stopOnce.Do(func() { close(sb.stop) })
	sb.mu.Lock()
	started := sb.started
	sb.mu.Unlock()
	if started {
		<-sb.done
	} else {
		sb.closeClients()
	}
}

func (sb *StateBroadcaster) run(states <-chan coordinator.State) {
	defer close(sb.done)
	defer sb.closeClients()
	defer func() {
		sb.mu.Lock()
		id := sb.subID
		sb.mu.Unlock()
		sb.pipeline.Unsubscribe(id)
	}()

	for {
		select {
		case <-sb.stop:
			return
		case st, ok := <-states:
			if !ok {
				logger.Info("StateBroadcaster", "Coordinator released, closing state streams")
				return
			}
			event, err := serializeState(st)
			if err != nil {
				logger.Error("StateBroadcaster", "Serialize state v%d: %v", st.Version, err)
				continue
			}
			sb.broadcast(event)
			if sb.listener != nil {
				sb.listener(event)
			}
		}
	}
}

func (sb *StateBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.latest = event
	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Slow client: it catches up on the next state.
		}
	}
}

func (sb *StateBroadcaster) closeClients() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.stopped = true
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
}

// FrameBroadcaster renders the latest source frame with the published
// detections and fans the JPEG out to MJPEG clients.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	pipeline  Pipeline
	interval  time.Duration
	stop      chan struct{}
	stopped   bool
	started   bool
	done      chan struct{}
	last      renderKey
	skipCount int
}

// renderKey identifies what a rendered frame was made of.
type renderKey struct {
	data    *byte
	size    int
	version uint64
}

func NewFrameBroadcaster(p Pipeline, interval time.Duration) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		pipeline: p,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	if fb.stopped {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch
	// Force a render for the newcomer even if nothing changed.
	fb.last = renderKey{}

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

func (fb *FrameBroadcaster) Start() {
	fb.mu.Lock()
	fb.started = true
	fb.mu.Unlock()
	go fb.run()
}

// Stop halts the broadcaster and disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	if !fb.stopped {
		fb.stopped = true
		close(fb.stop)
		for id, ch := range fb.clients {
			close(ch)
			delete(fb.clients, id)
		}
	}
	started := fb.started
	fb.mu.Unlock()
	if started {
		<-fb.done
	}
}

func (fb *FrameBroadcaster) run() {
	defer close(fb.done)
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		clientCount := len(fb.clients)
		fb.mu.Unlock()
		if clientCount == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d ticks)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		if data := fb.render(); data != nil {
			fb.broadcast(data)
		}
	}
}

// render returns nil when there is no frame or nothing changed since the
// last render.
func (fb *FrameBroadcaster) render() []byte {
	frame, ok := fb.pipeline.LastFrame()
	if !ok {
		return nil
	}
	st := fb.pipeline.Snapshot()
	key := renderKey{data: &frame.Data[0], size: len(frame.Data), version: st.Version}

	fb.mu.Lock()
	unchanged := key == fb.last
	fb.last = key
	fb.mu.Unlock()
	if unchanged {
		return nil
	}

	jpegData, err := imaging.Annotate(frame, imaging.Overlay{
		Detections:  st.Detections,
		FrameWidth:  st.FrameWidth,
		FrameHeight: st.FrameHeight,
		Status:      st.Status,
		Caption:     caption(st),
	})
	if err != nil {
		logger.Warn("FrameBroadcaster", "Overlay failed: %v", err)
		return nil
	}
	return jpegData
}

// caption is the banner drawn on MJPEG frames.
func caption(st coordinator.State) string {
	parts := []string{strings.ToUpper(string(st.Status)), st.Health.String()}
	if st.LatencyMs != nil {
		parts = append(parts, fmt.Sprintf("%.0f ms", *st.LatencyMs))
	}
	if st.Error != "" {
		parts = append(parts, st.Error)
	}
	return strings.Join(parts, " | ")
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
		}
	}
}
