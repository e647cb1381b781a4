package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/protocol"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsSignalInterval = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// hubEvent is the envelope for everything sent to websocket clients
type hubEvent struct {
	Type  string          `json:"type"`
	Frame *protocol.Frame `json:"frame,omitempty"`
	Data  interface{}     `json:"data,omitempty"`
}

// FrameHub fans link frames out to connected websocket clients. Each client
// has its own write lock since gorilla connections allow one writer at a time.
type FrameHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewFrameHub() *FrameHub {
	return &FrameHub{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

func (h *FrameHub) Name() string {
	return "websocket"
}

// HandleFrame broadcasts a frame to every client
func (h *FrameHub) HandleFrame(frame protocol.Frame) {
	h.broadcast(hubEvent{Type: "frame", Frame: &frame})
}

func (h *FrameHub) register(conn *websocket.Conn) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock := &sync.Mutex{}
	h.clients[conn] = lock
	return lock
}

func (h *FrameHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// ClientCount returns the number of connected clients
func (h *FrameHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *FrameHub) broadcast(event hubEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error("websocket", "Failed to marshal event", map[string]interface{}{"error": err.Error()})
		return
	}

	h.mu.RLock()
	type target struct {
		conn *websocket.Conn
		lock *sync.Mutex
	}
	targets := make([]target, 0, len(h.clients))
	for conn, lock := range h.clients {
		targets = append(targets, target{conn, lock})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := writeMessage(t.conn, t.lock, data); err != nil {
			logging.Debug("websocket", "Dropping client after write error", map[string]interface{}{"error": err.Error()})
			h.unregister(t.conn)
		}
	}
}

func writeMessage(conn *websocket.Conn, lock *sync.Mutex, data []byte) error {
	lock.Lock()
	defer lock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close disconnects every client
func (h *FrameHub) Close() {
	h.once.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, lock := range h.clients {
		lock.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		lock.Unlock()
		conn.Close()
		delete(h.clients, conn)
	}
}

// handleWebSocket streams frames and periodic signal levels to a client
func (d *Daemon) handleWebSocket(c *gin.Context) {
	if d.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket hub is disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("websocket", "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	lock := d.hub.register(conn)
	defer d.hub.unregister(conn)
	logging.Info("websocket", "Client connected", map[string]interface{}{
		"remote":  c.Request.RemoteAddr,
		"clients": d.hub.ClientCount(),
	})

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	// Clients never send anything meaningful; reading keeps control frames
	// flowing and notices disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status, _ := json.Marshal(hubEvent{Type: "status", Data: d.engine.Status()})
	if err := writeMessage(conn, lock, status); err != nil {
		return
	}

	signalTicker := time.NewTicker(wsSignalInterval)
	defer signalTicker.Stop()
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-signalTicker.C:
			data, err := json.Marshal(hubEvent{Type: "signal", Data: d.monitor.Latest()})
			if err != nil {
				continue
			}
			if err := writeMessage(conn, lock, data); err != nil {
				return
			}
		case <-pingTicker.C:
			lock.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			lock.Unlock()
			if err != nil {
				return
			}
		case <-closed:
			logging.Info("websocket", "Client disconnected", map[string]interface{}{"remote": c.Request.RemoteAddr})
			return
		case <-d.hub.done:
			return
		}
	}
}
