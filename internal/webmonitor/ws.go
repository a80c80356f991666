package webmonitor

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var wsClientSeq atomic.Uint64

// wsClient pushes JPEG frames in as binary messages and receives JSON state
// as text messages.
type wsClient struct {
	id     uint64
	conn   *websocket.Conn
	server *Server

	framesIn      uint64
	framesInvalid uint64
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxUploadBytes)

	client := &wsClient{id: wsClientSeq.Add(1), conn: conn, server: s}
	logger.Info("WebSocket", "Client #%d connected from %s", client.id, r.RemoteAddr)

	subID, events := s.states.Subscribe()
	done := make(chan struct{})
	go func() {
		client.writePump(events, done)
	}()
	client.readPump()

	s.states.Unsubscribe(subID)
	<-done
	logger.Info("WebSocket", "Client #%d disconnected (frames in: %d, invalid: %d)",
		client.id, client.framesIn, client.framesInvalid)
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket", "Client #%d read error: %v", c.id, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := imaging.FrameFromJPEG(data)
		if err != nil {
			c.framesInvalid++
			logger.Debug("WebSocket", "Client #%d sent an invalid frame: %v", c.id, err)
			continue
		}
		frame.Timestamp = time.Now()
		c.framesIn++
		c.server.Offer(frame)
	}
}

func (c *wsClient) writePump(events <-chan *SerializedEvent, done chan<- struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(done)
	}()

	for {
		select {
		case event, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
