package mediatest

import (
	"context"
	"sync"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

// Delivery is one recorded broadcast.
type Delivery struct {
	Event  domain.Event
	Except domain.PeerID
}

// Notifier records broadcasts.
type Notifier struct {
	mu         sync.Mutex
	deliveries []Delivery
}

var _ ports.Notifier = (*Notifier)(nil)

func (n *Notifier) Broadcast(ctx context.Context, event domain.Event, except domain.PeerID) {
	n.mu.Lock()
	n.deliveries = append(n.deliveries, Delivery{Event: event, Except: except})
	n.mu.Unlock()
}

func (n *Notifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.deliveries...)
}

// Named returns the recorded broadcasts of one event.
func (n *Notifier) Named(name domain.EventName) []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()

	var result []Delivery
	for _, d := range n.deliveries {
		if d.Event.Name == name {
			result = append(result, d)
		}
	}
	return result
}

// Counts is a point-in-time copy of Metrics.
type Counts struct {
	Peers    int
	Producer map[domain.MediaKind]int
	Consumer int
	Streams  int
	Failures map[string]int
	Exits    map[string]int
}

// Metrics counts MetricsRecorder calls.
type Metrics struct {
	mu sync.Mutex
	c  Counts
}

var _ ports.MetricsRecorder = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return &Metrics{c: Counts{
		Producer: make(map[domain.MediaKind]int),
		Failures: make(map[string]int),
		Exits:    make(map[string]int),
	}}
}

func (m *Metrics) PeerConnected()    { m.update(func(c *Counts) { c.Peers++ }) }
func (m *Metrics) PeerDisconnected() { m.update(func(c *Counts) { c.Peers-- }) }
func (m *Metrics) ConsumerCreated()  { m.update(func(c *Counts) { c.Consumer++ }) }
func (m *Metrics) ConsumerClosed()   { m.update(func(c *Counts) { c.Consumer-- }) }
func (m *Metrics) HlsStreamStarted() { m.update(func(c *Counts) { c.Streams++ }) }
func (m *Metrics) HlsStreamStopped() { m.update(func(c *Counts) { c.Streams-- }) }

func (m *Metrics) ProducerCreated(kind domain.MediaKind) {
	m.update(func(c *Counts) { c.Producer[kind]++ })
}

func (m *Metrics) ProducerClosed(kind domain.MediaKind) {
	m.update(func(c *Counts) { c.Producer[kind]-- })
}

func (m *Metrics) HlsStartFailed(reason string) {
	m.update(func(c *Counts) { c.Failures[reason]++ })
}

func (m *Metrics) SegmenterExited(outcome string) {
	m.update(func(c *Counts) { c.Exits[outcome]++ })
}

func (m *Metrics) Snapshot() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.c
	s.Producer = make(map[domain.MediaKind]int)
	s.Failures = make(map[string]int)
	s.Exits = make(map[string]int)
	for k, v := range m.c.Producer {
		s.Producer[k] = v
	}
	for k, v := range m.c.Failures {
		s.Failures[k] = v
	}
	for k, v := range m.c.Exits {
		s.Exits[k] = v
	}
	return s
}

func (m *Metrics) update(fn func(*Counts)) {
	m.mu.Lock()
	fn(&m.c)
	m.mu.Unlock()
}
