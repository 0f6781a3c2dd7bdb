package signal

import (
	"context"
	"encoding/json"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// Hub is the registry of open signaling connections. The services push
// events through it, so it is created before them and handed to the Server.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.PeerID]*conn

	logger *zap.SugaredLogger
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		conns:  make(map[domain.PeerID]*conn),
		logger: logger,
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.peerID] = c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.conns[c.peerID]; ok && current == c {
		delete(h.conns, c.peerID)
	}
}

// Broadcast pushes event to every connection except the one owned by except.
func (h *Hub) Broadcast(ctx context.Context, event domain.Event, except domain.PeerID) {
	frame, err := json.Marshal(outgoing{Event: string(event.Name), Data: event.Data})
	if err != nil {
		h.logger.Errorw("failed to encode push", "event", event.Name, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Send pushes event to one peer. It reports false if the peer is not
// connected here.
func (h *Hub) Send(peerID domain.PeerID, event domain.Event) bool {
	h.mu.RLock()
	c, ok := h.conns[peerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.send(outgoing{Event: string(event.Name), Data: event.Data})
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) Peers() []domain.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]domain.PeerID, 0, len(h.conns))
	for id := range h.conns {
		peers = append(peers, id)
	}
	return peers
}

// CloseAll closes every connection; each reader then runs its disconnect.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
