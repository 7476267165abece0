// Package api provides the HTTP API and the live overlay WebSocket
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/objdetect/internal/pipeline"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeOverlay    MessageType = "overlay"
	MessageTypeDetections MessageType = "detections"
	MessageTypeCanvas     MessageType = "canvas"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// inbound is a client message; Data is decoded per type
type inbound struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Canvas is the size of a client's drawing surface
type Canvas struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// OverlayFrame is the overlay drawn on one canvas size
type OverlayFrame struct {
	Canvas
	Boxes []tracking.OverlayBox `json:"boxes"`
}

// OverlayFunc positions the live tracks on a canvas
type OverlayFunc func(canvasW, canvasH int) []tracking.OverlayBox

// Client represents a WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	canvas Canvas
}

func (c *Client) setCanvas(cv Canvas) {
	c.mu.Lock()
	c.canvas = cv
	c.mu.Unlock()
}

func (c *Client) getCanvas() Canvas {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canvas
}

// Hub maintains the set of active clients. It redraws every client's
// overlay when invalidated and fans out broadcast messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	redraw     chan struct{}
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger

	overlay  OverlayFunc
	upgrader websocket.Upgrader
}

// NewHub creates a new WebSocket hub. Origins may contain "*".
func NewHub(overlay OverlayFunc, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		redraw:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket-hub"),
		overlay:    overlay,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client connected", "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", "total_clients", n)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()

		case <-h.redraw:
			h.redrawAll()
		}
	}
}

// Invalidate schedules an overlay redraw. Calls made while a redraw is
// already pending collapse into it.
func (h *Hub) Invalidate() {
	select {
	case h.redraw <- struct{}{}:
	default:
	}
}

// redrawAll sends each client the overlay for its canvas. Clients that
// have not reported a canvas get nothing.
func (h *Hub) redrawAll() {
	if h.overlay == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	frames := make(map[Canvas][]byte)
	for client := range h.clients {
		cv := client.getCanvas()
		if cv.Width <= 0 || cv.Height <= 0 {
			continue
		}
		data, ok := frames[cv]
		if !ok {
			var err error
			data, err = h.encode(OverlayMessage(cv, h.overlay(cv.Width, cv.Height)))
			if err != nil {
				continue
			}
			frames[cv] = data
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Client buffer full, dropping overlay")
		}
	}
}

func (h *Hub) encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", "type", msg.Type, "error", err)
	}
	return data, err
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	data, err := h.encode(msg)
	if err != nil {
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// sendTo queues data for one client that is still registered
func (h *Hub) sendTo(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection. Each
// message goes out as its own frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Client) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		if data, err := c.hub.encode(Message{Type: MessageTypePong}); err == nil {
			c.hub.sendTo(c, data)
		}

	case MessageTypeCanvas:
		var cv Canvas
		if err := json.Unmarshal(msg.Data, &cv); err != nil || cv.Width <= 0 || cv.Height <= 0 {
			c.hub.logger.Debug("Ignoring invalid canvas", "data", string(msg.Data))
			return
		}
		c.setCanvas(cv)
		c.hub.Invalidate()
	}
}

// OverlayMessage creates an overlay message for one canvas size
func OverlayMessage(cv Canvas, boxes []tracking.OverlayBox) Message {
	if boxes == nil {
		boxes = []tracking.OverlayBox{}
	}
	return Message{
		Type: MessageTypeOverlay,
		Data: OverlayFrame{Canvas: cv, Boxes: boxes},
	}
}

// DetectionsMessage creates a detections message from an inference result
func DetectionsMessage(r pipeline.Result) Message {
	return Message{
		Type:      MessageTypeDetections,
		Timestamp: r.Timestamp,
		Data: map[string]any{
			"seq":        r.Seq,
			"frame_seq":  r.FrameSeq,
			"latency_ms": float64(r.Latency) / float64(time.Millisecond),
			"brightness": r.Brightness,
			"detections": r.Detections,
			"started":    len(r.Update.Started),
			"ended":      len(r.Update.Ended),
		},
	}
}
