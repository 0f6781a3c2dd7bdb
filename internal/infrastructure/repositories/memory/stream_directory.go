package memory

import (
	"context"
	"sort"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

type MemoryStreamDirectory struct {
	records map[domain.StreamID]domain.HlsStreamRecord
	mu      sync.RWMutex
}

func NewMemoryStreamDirectory() ports.StreamDirectory {
	return &MemoryStreamDirectory{
		records: make(map[domain.StreamID]domain.HlsStreamRecord),
	}
}

func (d *MemoryStreamDirectory) Announce(ctx context.Context, record domain.HlsStreamRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[record.StreamID] = record
	return nil
}

func (d *MemoryStreamDirectory) Withdraw(ctx context.Context, id domain.StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, id)
	return nil
}

func (d *MemoryStreamDirectory) List(ctx context.Context) ([]domain.HlsStreamRecord, error) {
	d.mu.RLock()
	records := make([]domain.HlsStreamRecord, 0, len(d.records))
	for _, record := range d.records {
		records = append(records, record)
	}
	d.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}
