package memory

import (
	"sort"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

type MemoryHlsStreamRepository struct {
	streams map[domain.StreamID]*domain.HlsStream
	mu      sync.RWMutex
}

func NewMemoryHlsStreamRepository() ports.HlsStreamRepository {
	return &MemoryHlsStreamRepository{
		streams: make(map[domain.StreamID]*domain.HlsStream),
	}
}

func (r *MemoryHlsStreamRepository) Put(stream *domain.HlsStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[stream.ID] = stream
}

func (r *MemoryHlsStreamRepository) Get(id domain.StreamID) (*domain.HlsStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, ok := r.streams[id]
	return stream, ok
}

func (r *MemoryHlsStreamRepository) Remove(stream *domain.HlsStream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.streams[stream.ID]
	if !ok || current != stream {
		return false
	}
	delete(r.streams, stream.ID)
	return true
}

func (r *MemoryHlsStreamRepository) List() []*domain.HlsStream {
	r.mu.RLock()
	streams := make([]*domain.HlsStream, 0, len(r.streams))
	for _, stream := range r.streams {
		streams = append(streams, stream)
	}
	r.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams
}

func (r *MemoryHlsStreamRepository) FindByProducer(producerID domain.ProducerID) (*domain.HlsStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, stream := range r.streams {
		if stream.ProducerID == producerID {
			return stream, true
		}
	}
	return nil, false
}
