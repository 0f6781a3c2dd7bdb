package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RouterConfig WebRTC transport configuration
type RouterConfig struct {
	ListenIP    string
	AnnouncedIP string
	ICEServers  []webrtc.ICEServer
	PortRange   struct {
		Min uint16
		Max uint16
	}
	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ListenIP:       "0.0.0.0",
		GatherTimeout:  5 * time.Second,
		ConnectTimeout: 15 * time.Second,
	}
}

// Router is the pion backed media router. Every transport uses the ORTC
// objects directly (ICEGatherer, ICETransport, DTLSTransport) so the signaling
// layer can exchange ORTC parameters instead of SDP offers.
type Router struct {
	config RouterConfig
	api    *webrtc.API
	caps   domain.RtpCapabilities

	mu        sync.RWMutex
	producers map[domain.ProducerID]*producer
	closed    bool

	logger *zap.SugaredLogger
}

var _ ports.MediaRouter = (*Router)(nil)

func NewRouter(config RouterConfig, loggerFactory logging.LoggerFactory, logger *zap.SugaredLogger) (*Router, error) {
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = DefaultRouterConfig().GatherTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultRouterConfig().ConnectTimeout
	}

	caps := domain.RtpCapabilities{Codecs: domain.SupportedCodecs()}
	mediaEngine, err := newMediaEngine(caps)
	if err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if loggerFactory != nil {
		settingEngine.LoggerFactory = loggerFactory
	}
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	if config.PortRange.Min != 0 || config.PortRange.Max != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid udp port range: %w", err)
		}
	}
	if config.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{config.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := net.ParseIP(config.ListenIP); listen != nil && !listen.IsUnspecified() {
		settingEngine.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listen)
		})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Router{
		config:    config,
		api:       api,
		caps:      caps,
		producers: make(map[domain.ProducerID]*producer),
		logger:    logger,
	}, nil
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	return r.caps
}

func (r *Router) CreateWebRtcTransport(ctx context.Context) (domain.WebRtcTransport, error) {
	if r.isClosed() {
		return nil, fmt.Errorf("create transport: %w: router closed", domain.ErrMediaEngine)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.GatherTimeout)
	defer cancel()

	t, err := newWebRtcTransport(ctx, r, domain.TransportID(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("create transport: %w: %w", domain.ErrMediaEngine, err)
	}

	r.logger.Debugw("webrtc transport created",
		"transport_id", t.id,
		"candidates", len(t.options.IceCandidates),
	)
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context) (domain.PlainTransport, error) {
	if r.isClosed() {
		return nil, fmt.Errorf("create plain transport: %w: router closed", domain.ErrMediaEngine)
	}
	return newPlainTransport(r, domain.TransportID(uuid.NewString())), nil
}

// CanConsume reports whether the producer exists and its codec is in caps.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok || p.Closed() {
		return false
	}
	codec, ok := p.params.PrimaryCodec()
	if !ok {
		return false
	}
	_, ok = caps.FindCodec(p.kind, codec.MimeType, codec.ClockRate)
	return ok
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) producer(id domain.ProducerID) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("router closed")
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

// consumable resolves a producer for a new consumer and the router codec
// the consumer will send with.
func (r *Router) consumable(producerID domain.ProducerID, caps domain.RtpCapabilities) (*producer, domain.RtpCodecCapability, error) {
	p, ok := r.producer(producerID)
	if !ok || p.Closed() {
		return nil, domain.RtpCodecCapability{}, domain.ErrProducerNotFound
	}
	codec, ok := p.params.PrimaryCodec()
	if !ok {
		return nil, domain.RtpCodecCapability{}, domain.ErrCannotConsume
	}
	if _, ok := caps.FindCodec(p.kind, codec.MimeType, codec.ClockRate); !ok {
		return nil, domain.RtpCodecCapability{}, domain.ErrCannotConsume
	}
	routerCodec, ok := r.caps.FindCodec(p.kind, codec.MimeType, codec.ClockRate)
	if !ok {
		return nil, domain.RtpCodecCapability{}, domain.ErrCannotConsume
	}
	return p, routerCodec, nil
}
