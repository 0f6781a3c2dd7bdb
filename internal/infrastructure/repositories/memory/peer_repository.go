package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

type MemoryPeerRepository struct {
	peers map[domain.PeerID]*domain.Peer
	mu    sync.RWMutex
}

func NewMemoryPeerRepository() ports.PeerRepository {
	return &MemoryPeerRepository{
		peers: make(map[domain.PeerID]*domain.Peer),
	}
}

func (r *MemoryPeerRepository) Add(ctx context.Context, peer *domain.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peer.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrPeerExists, peer.ID)
	}

	r.peers[peer.ID] = peer
	return nil
}

func (r *MemoryPeerRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}

	return peer, nil
}

// Remove deletes the peer record. Removing an unknown peer is not an error.
func (r *MemoryPeerRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
	return nil
}

func (r *MemoryPeerRepository) Exists(ctx context.Context, id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.peers[id]
	return exists
}

// List returns peers ordered by connection time.
func (r *MemoryPeerRepository) List(ctx context.Context) []*domain.Peer {
	r.mu.RLock()
	peers := make([]*domain.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ConnectedAt.Before(peers[j].ConnectedAt)
	})
	return peers
}

func (r *MemoryPeerRepository) Count(ctx context.Context) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
