package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/defpool/defpool-server/internal/util"
)

// Websocket event types
const (
	EventScores = "scores"
	EventSwitch = "switch"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	sendBacklog = 32
)

// Event is one message pushed to websocket clients
type Event struct {
	Type string      `json:"type"`
	Time int64       `json:"time"`
	Data interface{} `json:"data"`
}

func newEvent(kind string, data interface{}) Event {
	return Event{Type: kind, Time: time.Now().UnixMilli(), Data: data}
}

// Hub fans events out to dashboard websocket clients
type Hub struct {
	upgrader  websocket.Upgrader
	clients   sync.Map // clientID -> *wsClient
	clientSeq atomic.Uint64
	count     atomic.Int64

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// wsClient represents a WebSocket client
type wsClient struct {
	id          uint64
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // read-only public feed
			},
		},
		quit: make(chan struct{}),
	}
}

// Serve upgrades the request and registers the client. greeting is sent
// before any broadcast.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ip string, greeting []Event) {
	select {
	case <-h.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		id:          h.clientSeq.Inc(),
		conn:        conn,
		remoteAddr:  ip,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBacklog),
		done:        make(chan struct{}),
	}
	for _, ev := range greeting {
		if msg, err := json.Marshal(ev); err == nil {
			client.send <- msg
		}
	}

	h.clients.Store(client.id, client)
	h.count.Inc()
	util.Debugf("WebSocket client %d connected from %s", client.id, ip)

	h.wg.Add(2)
	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast sends an event to every client. Clients that cannot keep up
// are disconnected rather than slowing the caller down.
func (h *Hub) Broadcast(kind string, data interface{}) {
	msg, err := json.Marshal(newEvent(kind, data))
	if err != nil {
		util.Warnf("WebSocket event %s not encodable: %v", kind, err)
		return
	}

	h.clients.Range(func(_, value interface{}) bool {
		client := value.(*wsClient)
		select {
		case client.send <- msg:
		default:
			util.Debugf("WebSocket client %d too slow, disconnecting", client.id)
			h.remove(client)
		}
		return true
	})
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Stop disconnects every client and waits for their goroutines
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.clients.Range(func(_, value interface{}) bool {
			h.remove(value.(*wsClient))
			return true
		})
		h.wg.Wait()
		util.Info("WebSocket hub stopped")
	})
}

func (h *Hub) remove(client *wsClient) {
	client.closeOnce.Do(func() {
		close(client.done)
		client.conn.Close()
		h.clients.Delete(client.id)
		h.count.Dec()
		util.Debugf("WebSocket client %d disconnected after %s", client.id, time.Since(client.connectedAt).Round(time.Second))
	})
}

// writePump serialises all writes to one connection
func (h *Hub) writePump(client *wsClient) {
	defer h.wg.Done()
	defer h.remove(client)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and notices disconnects
func (h *Hub) readPump(client *wsClient) {
	defer h.wg.Done()
	defer h.remove(client)

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
