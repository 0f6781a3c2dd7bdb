package domain

import (
	"sync"
	"time"
)

// Peer is one signaling connection and the media resources it owns.
type Peer struct {
	ID          PeerID
	ConnectedAt time.Time

	mu                       sync.RWMutex
	closed                   bool
	producerTransport        WebRtcTransport
	producerTransportPending bool
	consumerTransport        WebRtcTransport
	producers                map[ProducerID]Producer
	consumers                map[ConsumerID]Consumer
	hlsStreams               map[ProducerID]*HlsStream
}

// PeerResources is everything a peer owned at the moment it was detached.
type PeerResources struct {
	HlsStreams        []*HlsStream
	Producers         []Producer
	Consumers         []Consumer
	ProducerTransport WebRtcTransport
	ConsumerTransport WebRtcTransport
}

func NewPeer(id PeerID) *Peer {
	return &Peer{
		ID:          id,
		ConnectedAt: time.Now(),
		producers:   make(map[ProducerID]Producer),
		consumers:   make(map[ConsumerID]Consumer),
		hlsStreams:  make(map[ProducerID]*HlsStream),
	}
}

// ReserveProducerTransport claims the producer transport slot. It fails with
// ErrTransportExists while a transport is stored or another creation holds the slot.
func (p *Peer) ReserveProducerTransport() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	if p.producerTransport != nil || p.producerTransportPending {
		return ErrTransportExists
	}
	p.producerTransportPending = true
	return nil
}

// CommitProducerTransport stores the transport for a previously taken reservation.
func (p *Peer) CommitProducerTransport(t WebRtcTransport) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.producerTransportPending = false
	if p.closed {
		return ErrPeerClosed
	}
	p.producerTransport = t
	return nil
}

func (p *Peer) CancelProducerTransport() {
	p.mu.Lock()
	p.producerTransportPending = false
	p.mu.Unlock()
}

func (p *Peer) ProducerTransport() (WebRtcTransport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.producerTransport, p.producerTransport != nil
}

// SetConsumerTransport stores t and returns the transport it replaced, if any.
func (p *Peer) SetConsumerTransport(t WebRtcTransport) (WebRtcTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPeerClosed
	}
	previous := p.consumerTransport
	p.consumerTransport = t
	return previous, nil
}

func (p *Peer) ConsumerTransport() (WebRtcTransport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consumerTransport, p.consumerTransport != nil
}

func (p *Peer) AddProducer(producer Producer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	p.producers[producer.ID()] = producer
	return nil
}

func (p *Peer) Producer(id ProducerID) (Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	producer, ok := p.producers[id]
	return producer, ok
}

func (p *Peer) Producers() []Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		result = append(result, producer)
	}
	return result
}

func (p *Peer) AddConsumer(consumer Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	p.consumers[consumer.ID()] = consumer
	return nil
}

func (p *Peer) Consumers() []Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]Consumer, 0, len(p.consumers))
	for _, consumer := range p.consumers {
		result = append(result, consumer)
	}
	return result
}

func (p *Peer) AddHlsStream(stream *HlsStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	p.hlsStreams[stream.ProducerID] = stream
	return nil
}

// RemoveHlsStream drops stream only if it is still the one registered for its producer.
func (p *Peer) RemoveHlsStream(stream *HlsStream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.hlsStreams[stream.ProducerID]; ok && current == stream {
		delete(p.hlsStreams, stream.ProducerID)
	}
}

func (p *Peer) HlsStream(producerID ProducerID) (*HlsStream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stream, ok := p.hlsStreams[producerID]
	return stream, ok
}

func (p *Peer) HlsStreams() []*HlsStream {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*HlsStream, 0, len(p.hlsStreams))
	for _, stream := range p.hlsStreams {
		result = append(result, stream)
	}
	return result
}

// Detach marks the peer closed and hands over everything it owns. Later Add
// and Set calls fail with ErrPeerClosed.
func (p *Peer) Detach() PeerResources {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := PeerResources{
		ProducerTransport: p.producerTransport,
		ConsumerTransport: p.consumerTransport,
	}
	for _, stream := range p.hlsStreams {
		res.HlsStreams = append(res.HlsStreams, stream)
	}
	for _, producer := range p.producers {
		res.Producers = append(res.Producers, producer)
	}
	for _, consumer := range p.consumers {
		res.Consumers = append(res.Consumers, consumer)
	}

	p.closed = true
	p.producerTransport = nil
	p.consumerTransport = nil
	p.producers = make(map[ProducerID]Producer)
	p.consumers = make(map[ConsumerID]Consumer)
	p.hlsStreams = make(map[ProducerID]*HlsStream)
	return res
}

func (p *Peer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
