package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cwrk-planet/match-service/internal/metrics"
	"github.com/cwrk-planet/match-service/internal/service"
)

// Hub tracks live connections by id and implements service.Notifier.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*wsConn

	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{conns: make(map[string]*wsConn), metrics: m}
}

func (h *Hub) Add(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) Remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Notify queues ev for connID. Unknown ids and full queues drop the event.
func (h *Hub) Notify(connID string, ev service.Event) {
	b, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	c, found := h.conns[connID]
	h.mu.RUnlock()
	if !found {
		slog.Debug("ws: notify unknown connection", "conn", connID, "type", ev.Type)
		return
	}
	h.push(c, ev.Type, b)
}

// Broadcast queues ev for every live connection.
func (h *Hub) Broadcast(ev service.Event) {
	b, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		h.push(c, ev.Type, b)
	}
}

// CloseAll closes every connection; their read loops then run the usual
// disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) push(c *wsConn, typ string, b []byte) {
	if c.enqueue(b) {
		return
	}
	h.metrics.Dropped(metrics.DropReasonQueueFull)
	slog.Warn("ws: outbound event dropped", "conn", c.id, "type", typ)
}

func (h *Hub) encode(ev service.Event) ([]byte, bool) {
	b, err := json.Marshal(Message{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		slog.Error("ws: encode event failed", "type", ev.Type, "err", err)
		return nil, false
	}
	return b, true
}
