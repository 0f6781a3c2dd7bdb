package streaming

import (
	"fmt"
	"sync"

	"relaycast/internal/core/domain"
)

// PortPool hands out even RTP ports. Each allocation implicitly holds port+1
// for RTCP, so the highest usable port is max-1.
type PortPool struct {
	min  int
	max  int
	next int
	used map[int]struct{}
	mu   sync.Mutex
}

func NewPortPool(min, max int) (*PortPool, error) {
	if min%2 != 0 {
		min++
	}
	if min <= 0 || max > 65535 || min+1 > max {
		return nil, fmt.Errorf("invalid rtp port range %d-%d", min, max)
	}
	return &PortPool{
		min:  min,
		max:  max,
		next: min,
		used: make(map[int]struct{}),
	}, nil
}

// Allocate returns a free even port, scanning round-robin from the last
// allocation so a just-released port is not reused right away.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.capacity()
	port := p.next
	for i := 0; i < capacity; i++ {
		if port+1 > p.max {
			port = p.min
		}
		if _, taken := p.used[port]; !taken {
			p.used[port] = struct{}{}
			p.next = port + 2
			return port, nil
		}
		port += 2
	}

	return 0, domain.ErrPortsExhausted
}

// Release returns port to the pool. Unknown ports are ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func (p *PortPool) IsAllocated(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, taken := p.used[port]
	return taken
}

func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

func (p *PortPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity()
}

func (p *PortPool) capacity() int {
	return (p.max-p.min+1)/2
}
