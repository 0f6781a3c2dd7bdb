package ports

import (
	"context"

	"relaycast/internal/core/domain"
)

type PeerRepository interface {
	Add(ctx context.Context, peer *domain.Peer) error
	GetByID(ctx context.Context, id domain.PeerID) (*domain.Peer, error)
	Remove(ctx context.Context, id domain.PeerID) error
	Exists(ctx context.Context, id domain.PeerID) bool
	List(ctx context.Context) []*domain.Peer
	Count(ctx context.Context) int
}

// HlsStreamRepository is the in-process registry of running HLS streams.
type HlsStreamRepository interface {
	Put(stream *domain.HlsStream)
	Get(id domain.StreamID) (*domain.HlsStream, bool)
	// Remove deletes the entry only if it still points at stream.
	Remove(stream *domain.HlsStream) bool
	List() []*domain.HlsStream
	FindByProducer(producerID domain.ProducerID) (*domain.HlsStream, bool)
}

// StreamDirectory lists announced HLS streams, possibly across instances.
type StreamDirectory interface {
	Announce(ctx context.Context, record domain.HlsStreamRecord) error
	Withdraw(ctx context.Context, id domain.StreamID) error
	List(ctx context.Context) ([]domain.HlsStreamRecord, error)
}
