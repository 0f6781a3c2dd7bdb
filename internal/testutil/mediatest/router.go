// Package mediatest provides in-memory media engine fakes for service and
// transport tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

// Router is a fake ports.MediaRouter. Producers created through its transports
// become consumable from any other transport it created.
type Router struct {
	mu        sync.Mutex
	seq       atomic.Uint64
	producers map[domain.ProducerID]*Producer

	WebRtc []*Transport
	Plain  []*PlainTransport

	WebRtcTransportErr error
	PlainTransportErr  error
	ProduceErr         error
	ConnectErr         error
	ConsumeErr         map[domain.ProducerID]error
	// TapConsumeErr fails every Consume on plain transports.
	TapConsumeErr      error
	Unconsumable       map[domain.ProducerID]bool

	closed bool
}

var _ ports.MediaRouter = (*Router)(nil)

func NewRouter() *Router {
	return &Router{
		producers:    make(map[domain.ProducerID]*Producer),
		ConsumeErr:   make(map[domain.ProducerID]error),
		Unconsumable: make(map[domain.ProducerID]bool),
	}
}

func (r *Router) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, r.seq.Add(1))
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: domain.SupportedCodecs()}
}

func (r *Router) CreateWebRtcTransport(ctx context.Context) (domain.WebRtcTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.WebRtcTransportErr != nil {
		return nil, fmt.Errorf("create transport: %w: %w", domain.ErrMediaEngine, r.WebRtcTransportErr)
	}
	t := &Transport{base: base{router: r, id: domain.TransportID(r.nextID("transport"))}}
	r.WebRtc = append(r.WebRtc, t)
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context) (domain.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.PlainTransportErr != nil {
		return nil, fmt.Errorf("create plain transport: %w: %w", domain.ErrMediaEngine, r.PlainTransportErr)
	}
	t := &PlainTransport{base: base{router: r, id: domain.TransportID(r.nextID("plain")), plain: true}}
	r.Plain = append(r.Plain, t)
	return t, nil
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	producer, ok := r.producers[producerID]
	if !ok || producer.Closed() || r.Unconsumable[producerID] {
		return false
	}
	codec, ok := producer.params.PrimaryCodec()
	if !ok {
		return false
	}
	_, ok = caps.FindCodec(producer.kind, codec.MimeType, codec.ClockRate)
	return ok
}

func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// LastPlain returns the most recently created plain transport.
func (r *Router) LastPlain() *PlainTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Plain) == 0 {
		return nil
	}
	return r.Plain[len(r.Plain)-1]
}

func (r *Router) WebRtcCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.WebRtc)
}

type base struct {
	router *Router
	id     domain.TransportID
	plain  bool

	mu        sync.Mutex
	closed    bool
	consumers []*Consumer
}

func (b *base) ID() domain.TransportID {
	return b.id
}

func (b *base) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.Consumer, error) {
	if b.plain && b.router.TapConsumeErr != nil {
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, b.router.TapConsumeErr)
	}
	if err := b.router.ConsumeErr[producerID]; err != nil {
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, err)
	}
	producer, ok := b.router.producer(producerID)
	if !ok || producer.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	if !b.router.CanConsume(producerID, caps) {
		return nil, domain.ErrCannotConsume
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("consume: %w: transport closed", domain.ErrMediaEngine)
	}
	c := &Consumer{
		id:       domain.ConsumerID(b.router.nextID("consumer")),
		producer: producer,
	}
	b.consumers = append(b.consumers, c)
	return c, nil
}

func (b *base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, c := range b.consumers {
		_ = c.Close()
	}
	return nil
}

func (b *base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Transport is a fake domain.WebRtcTransport.
type Transport struct {
	base

	connected []domain.TransportConnectParams
	onState   []func(domain.TransportState)
	producers []*Producer
}

func (t *Transport) Options() domain.TransportOptions {
	return domain.TransportOptions{
		ID:            t.id,
		IceParameters: domain.IceParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd", IceLite: true},
		IceCandidates: []domain.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
	}
}

func (t *Transport) Connect(ctx context.Context, params domain.TransportConnectParams) error {
	if t.router.ConnectErr != nil {
		return fmt.Errorf("connect: %w: %w", domain.ErrMediaEngine, t.router.ConnectErr)
	}
	t.mu.Lock()
	t.connected = append(t.connected, params)
	t.mu.Unlock()
	return nil
}

func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connected)
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (domain.Producer, error) {
	if t.router.ProduceErr != nil {
		return nil, fmt.Errorf("produce: %w: %w", domain.ErrMediaEngine, t.router.ProduceErr)
	}
	p := &Producer{
		id:     domain.ProducerID(t.router.nextID("producer")),
		kind:   kind,
		params: params,
	}

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	t.onState = append(t.onState, fn)
	t.mu.Unlock()
}

// EmitState invokes the registered state handlers.
func (t *Transport) EmitState(state domain.TransportState) {
	t.mu.Lock()
	handlers := append([]func(domain.TransportState){}, t.onState...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(state)
	}
}

// PlainTransport is a fake domain.PlainTransport.
type PlainTransport struct {
	base

	IP       string
	Port     int
	RtcpPort int
}

func (t *PlainTransport) Connect(ctx context.Context, ip string, port, rtcpPort int) error {
	if t.router.ConnectErr != nil {
		return fmt.Errorf("connect: %w: %w", domain.ErrMediaEngine, t.router.ConnectErr)
	}
	t.mu.Lock()
	t.IP, t.Port, t.RtcpPort = ip, port, rtcpPort
	t.mu.Unlock()
	return nil
}

// Producer is a fake domain.Producer.
type Producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RtpParameters

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer is a fake domain.Consumer forwarding one producer.
type Consumer struct {
	id       domain.ConsumerID
	producer *Producer

	mu     sync.Mutex
	closed bool
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.producer.kind }

func (c *Consumer) RtpParameters() domain.RtpParameters {
	return c.producer.params
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// VideoParams returns VP8 producer parameters with a fixed SSRC.
func VideoParams() domain.RtpParameters {
	return domain.RtpParameters{
		Mid:       "0",
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 1111}},
		Rtcp:      domain.RtcpParameters{Cname: "test"},
	}
}

// AudioParams returns Opus producer parameters with a fixed SSRC.
func AudioParams() domain.RtpParameters {
	return domain.RtpParameters{
		Mid:       "1",
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 2222}},
		Rtcp:      domain.RtcpParameters{Cname: "test"},
	}
}
