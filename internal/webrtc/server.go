package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/internal/metrics"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

const (
	// Data channel labels opened by the browser.
	FramesChannel = "frames"
	StateChannel  = "state"
)

// FrameSink receives frames decoded from the frames channel.
type FrameSink func(types.Frame)

// Client represents a connected WebRTC peer
type Client struct {
	id        string
	peerConn  *webrtc.PeerConnection
	stateChan chan []byte
	closeChan chan struct{}

	mu    sync.Mutex
	state *webrtc.DataChannel

	framesIn      atomic.Uint64
	framesInvalid atomic.Uint64
	statesSent    atomic.Uint64
	statesDropped atomic.Uint64
}

// Server manages WebRTC peers that push camera frames over a data channel and
// receive state updates on another.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	sink       FrameSink
	metrics    *metrics.Metrics
	seq        atomic.Uint64
}

// NewServer creates a new WebRTC server. m may be nil.
func NewServer(stunServers []string, maxClients int, sink FrameSink, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	if m == nil {
		m = metrics.New()
	}
	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		sink:       sink,
		metrics:    m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: not an sdp offer")
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()

	if numClients >= s.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        s.generateClientID(),
		peerConn:  peerConn,
		stateChan: make(chan []byte, 4),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("WebRTC", "Client %s opened data channel %q", client.id, dc.Label())
		switch dc.Label() {
		case FramesChannel:
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				s.handleFrameMessage(client, msg)
			})
		case StateChannel:
			dc.OnOpen(func() {
				client.mu.Lock()
				client.state = dc
				client.mu.Unlock()
			})
		default:
			logger.Warn("WebRTC", "Client %s opened unknown channel %q", client.id, dc.Label())
		}
	})

	// Peer connection state covers ICE and DTLS failures.
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	// Non-trickle: answer only once every candidate is in the SDP.
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	s.metrics.ActivePeers.Add(1)
	s.metrics.TotalPeers.Add(1)

	go s.sendStates(client)

	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	return answerJSON, nil
}

// handleFrameMessage turns one binary frames-channel message into a frame.
func (s *Server) handleFrameMessage(client *Client, msg webrtc.DataChannelMessage) {
	if msg.IsString {
		client.framesInvalid.Add(1)
		return
	}
	frame, err := imaging.FrameFromJPEG(msg.Data)
	if err != nil {
		n := client.framesInvalid.Add(1)
		if n == 1 || n%100 == 0 {
			logger.Warn("WebRTC", "Client %s sent an invalid frame (%d so far): %v", client.id, n, err)
		}
		return
	}
	frame.Timestamp = time.Now()
	client.framesIn.Add(1)
	if s.sink != nil {
		s.sink(frame)
	}
}

// SendState queues a serialized state for every peer. A peer whose queue is
// full misses this update.
func (s *Server) SendState(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.stateChan <- data:
		default:
			client.statesDropped.Add(1)
		}
	}
}

func (s *Server) sendStates(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case data := <-client.stateChan:
			client.mu.Lock()
			dc := client.state
			client.mu.Unlock()
			if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
				client.statesDropped.Add(1)
				continue
			}
			if err := dc.SendText(string(data)); err != nil {
				logger.Warn("WebRTC", "Error sending state to client %s: %v", client.id, err)
				continue
			}
			client.statesSent.Add(1)
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	close(client.closeChan)
	client.peerConn.Close()
	s.metrics.ActivePeers.Add(-1)

	logger.Info("WebRTC", "Client %s disconnected (frames in: %d, invalid: %d, states sent: %d, dropped: %d)",
		clientID, client.framesIn.Load(), client.framesInvalid.Load(), client.statesSent.Load(), client.statesDropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_in":      client.framesIn.Load(),
			"frames_invalid": client.framesInvalid.Load(),
			"states_sent":    client.statesSent.Load(),
			"states_dropped": client.statesDropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}

func (s *Server) generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().UnixNano(), s.seq.Add(1))
}
