package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"platilloadmin/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// uploadHub fans the events of one form session out to its websocket clients.
type uploadHub struct {
	formID     string
	clients    map[*uploadClient]bool
	broadcast  chan []byte
	register   chan *uploadClient
	unregister chan *uploadClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type uploadClient struct {
	hub  *uploadHub
	conn *websocket.Conn
	send chan []byte
}

// FormEvent is pushed to websocket clients as JSON.
type FormEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newUploadHub(formID string, m *metrics.Metrics, log *zap.Logger) *uploadHub {
	h := &uploadHub{
		formID:     formID,
		clients:    make(map[*uploadClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *uploadClient),
		unregister: make(chan *uploadClient),
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
	go h.run()
	return h
}

func (h *uploadHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.WSConnected()
			h.log.Debug("[ws] client connected", zap.String("form_id", h.formID))

		case client := <-h.unregister:
			h.drop(client)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; it reconnects and reads the state again.
					close(client.send)
					delete(h.clients, client)
					h.metrics.WSDisconnected()
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
				h.metrics.WSDisconnected()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *uploadHub) drop(client *uploadClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.metrics.WSDisconnected()
		h.log.Debug("[ws] client disconnected", zap.String("form_id", h.formID))
	}
}

// Publish never blocks the caller, which may hold the coordinator lock.
func (h *uploadHub) Publish(eventType string, payload any) {
	data, err := json.Marshal(FormEvent{Type: eventType, Payload: mustJSON(payload)})
	if err != nil {
		h.log.Warn("[ws] encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- data:
	default:
		h.log.Warn("[ws] broadcast queue full, dropping event", zap.String("form_id", h.formID), zap.String("type", eventType))
	}
}

func (h *uploadHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *uploadHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// serve upgrades the request and streams events until either side goes away.
// hello is sent first so a client that connects mid-upload starts from the
// current state.
func (h *uploadHub) serve(w http.ResponseWriter, r *http.Request, hello any) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("[ws] upgrade failed", zap.String("form_id", h.formID), zap.Error(err))
		return
	}

	client := &uploadClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	welcome, _ := json.Marshal(FormEvent{Type: "hello", Payload: mustJSON(hello)})
	client.send <- welcome

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *uploadClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// Clients only listen; anything they send is discarded.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *uploadClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
