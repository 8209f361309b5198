package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"studychat/api/internal/metrics"
)

// Hub tracks live connections and the channels each one is subscribed to.
// Detach removes a connection from every channel under one lock, so once it
// returns no publish can reach that connection.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*Conn
	channels     map[string]map[string]*Conn    // channel -> conn id -> conn
	connChannels map[string]map[string]struct{} // conn id -> channels

	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:        make(map[string]*Conn),
		channels:     make(map[string]map[string]*Conn),
		connChannels: make(map[string]map[string]struct{}),
		metrics:      m,
		log:          logger.With("component", "realtime"),
	}
}

// Attach registers conn and starts its writer.
func (h *Hub) Attach(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.connChannels[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	conn.Start()
}

// Detach forgets conn and returns the channels it was subscribed to.
func (h *Hub) Detach(conn *Conn) []string {
	h.mu.Lock()
	left, ok := h.detachLocked(conn.ID)
	h.mu.Unlock()
	if ok {
		h.metrics.ConnectionClosed()
	}
	return left
}

// Subscribe adds conn to channel. It reports false for a detached connection.
func (h *Hub) Subscribe(channel string, conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	subscribers := h.channels[channel]
	if subscribers == nil {
		subscribers = make(map[string]*Conn)
		h.channels[channel] = subscribers
	}
	subscribers[conn.ID] = conn
	h.connChannels[conn.ID][channel] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(channel string, conn *Conn) {
	h.mu.Lock()
	h.leaveLocked(channel, conn.ID)
	h.mu.Unlock()
}

// IsSubscribed reports whether conn currently receives channel's payloads.
func (h *Hub) IsSubscribed(channel string, conn *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][conn.ID]
	return ok
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish marshals payload once and queues it on every subscriber. A
// subscriber whose queue is full is closed and detached; the others still
// receive the payload. It returns the number of queued deliveries.
func (h *Hub) Publish(channel string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal payload", "channel", channel, "error", err)
		return 0
	}
	return h.PublishRaw(channel, data)
}

func (h *Hub) PublishRaw(channel string, data []byte) int {
	var dropped []*Conn
	delivered := 0

	h.mu.RLock()
	for _, conn := range h.channels[channel] {
		switch err := conn.Send(data); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrOverflow):
			dropped = append(dropped, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range dropped {
		h.log.Warn("subscriber dropped", "conn_id", conn.ID, "channel", channel, "reason", "send buffer full")
		h.metrics.SubscriberDropped("overflow")
		h.Detach(conn)
	}
	return delivered
}

// Shutdown closes every tracked connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for id, conn := range h.conns {
		conns = append(conns, conn)
		h.detachLocked(id)
		h.metrics.ConnectionClosed()
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) detachLocked(connID string) ([]string, bool) {
	if _, ok := h.conns[connID]; !ok {
		return nil, false
	}
	delete(h.conns, connID)

	left := make([]string, 0, len(h.connChannels[connID]))
	for channel := range h.connChannels[connID] {
		left = append(left, channel)
		h.leaveLocked(channel, connID)
	}
	delete(h.connChannels, connID)
	return left, true
}

func (h *Hub) leaveLocked(channel, connID string) {
	subscribers := h.channels[channel]
	if subscribers == nil {
		return
	}
	delete(subscribers, connID)
	if len(subscribers) == 0 {
		delete(h.channels, channel)
	}
	if memberships, ok := h.connChannels[connID]; ok {
		delete(memberships, channel)
	}
}
