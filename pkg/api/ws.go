package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a6ar55/file-sync/pkg/coordinator"
	"github.com/a6ar55/file-sync/pkg/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsSendBuffer = 64
	wsMaxMessage = 4096
)

// wsMessage is the envelope for everything pushed over a socket.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	nodeID string
}

// hub fans live events out to connected sockets. Delivery never
// blocks: a client whose send buffer fills is disconnected and must
// reconnect and catch up from /api/events.
type hub struct {
	coord    *coordinator.Coordinator
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(coord *coordinator.Coordinator, logger *log.Logger) *hub {
	return &hub{
		coord:  coord,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// run pumps coordinator events to all clients until ctx is cancelled.
func (h *hub) run(ctx context.Context) {
	sub := h.coord.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-sub.Chan():
			if !ok {
				h.closeAll()
				return
			}
			data, err := json.Marshal(wsMessage{Type: "event", Data: ev})
			if err != nil {
				continue
			}
			h.broadcast(data)
		}
	}
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	var dropped []*wsClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.logger.Warn("websocket client too slow, dropping", "node_id", c.nodeID)
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// serve upgrades one connection. A non-empty nodeID marks a node
// socket, whose inbound heartbeat messages refresh liveness; an empty
// one is a dashboard socket that only listens.
func (h *hub) serve(w http.ResponseWriter, r *http.Request, nodeID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		nodeID: nodeID,
	}
	h.add(c)

	// Snapshot first, so a fresh dashboard can render before the next
	// event arrives.
	if snapshot, err := json.Marshal(wsMessage{Type: "initial_data", Data: map[string]any{
		"nodes":   h.coord.Nodes(),
		"files":   h.coord.Files(),
		"metrics": h.coord.Metrics(),
	}}); err == nil {
		select {
		case c.send <- snapshot:
		default:
		}
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if c.nodeID == "" {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "heartbeat" {
			if _, err := h.coord.Heartbeat(context.Background(), c.nodeID); err != nil {
				h.logger.Warn("heartbeat from unknown node", "node_id", c.nodeID)
			}
		}
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
