package webrtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"relaycast/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

var (
	errTransportClosed  = errors.New("transport closed")
	errAlreadyConnected = errors.New("transport already connected")
)

// webRtcTransport is one browser facing ICE+DTLS association. It carries
// either producers (send transport) or consumers (receive transport).
type webRtcTransport struct {
	id     domain.TransportID
	router *Router

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	options  domain.TransportOptions

	ready      chan struct{}
	connectErr error

	mu         sync.Mutex
	connecting bool
	closed     bool
	closedCh   chan struct{}
	onState    []func(domain.TransportState)
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*webRtcConsumer
	nextMid    int
}

var _ domain.WebRtcTransport = (*webRtcTransport)(nil)

func newWebRtcTransport(ctx context.Context, r *Router, id domain.TransportID) (*webRtcTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &webRtcTransport{
		id:        id,
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		closedCh:  make(chan struct{}),
		producers: make(map[domain.ProducerID]*producer),
		consumers: make(map[domain.ConsumerID]*webRtcConsumer),
	}

	if err := t.gather(ctx); err != nil {
		t.release()
		return nil, err
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		switch state {
		case webrtc.ICETransportStateFailed:
			t.emit(domain.TransportStateFailed)
		case webrtc.ICETransportStateClosed:
			t.emit(domain.TransportStateClosed)
		}
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateFailed {
			t.emit(domain.TransportStateFailed)
		}
	})

	return t, nil
}

func (t *webRtcTransport) gather(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("gather: %w", ctx.Err())
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}

	t.options = domain.TransportOptions{
		ID: t.id,
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          iceParams.ICELite,
		},
		IceCandidates:  make([]domain.IceCandidate, 0, len(candidates)),
		DtlsParameters: fromPionDtls(dtlsParams),
	}
	for _, c := range candidates {
		t.options.IceCandidates = append(t.options.IceCandidates, fromPionCandidate(c))
	}
	return nil
}

func (t *webRtcTransport) ID() domain.TransportID {
	return t.id
}

func (t *webRtcTransport) Options() domain.TransportOptions {
	return t.options
}

// Connect validates the remote parameters and starts ICE and DTLS in the
// background. Producers wait for the handshake; consumers do not need to.
func (t *webRtcTransport) Connect(ctx context.Context, params domain.TransportConnectParams) error {
	if params.IceParameters == nil {
		return fmt.Errorf("%w: ice parameters required", domain.ErrInvalidDtlsParameters)
	}
	if len(params.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprints", domain.ErrInvalidDtlsParameters)
	}
	remoteCandidates := make([]webrtc.ICECandidate, 0, len(params.IceCandidates))
	for _, c := range params.IceCandidates {
		candidate, err := toPionCandidate(c)
		if err != nil {
			return fmt.Errorf("%w: candidate: %v", domain.ErrInvalidDtlsParameters, err)
		}
		remoteCandidates = append(remoteCandidates, candidate)
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return fmt.Errorf("connect: %w: %w", domain.ErrMediaEngine, errTransportClosed)
	case t.connecting:
		t.mu.Unlock()
		return fmt.Errorf("connect: %w: %w", domain.ErrMediaEngine, errAlreadyConnected)
	}
	t.connecting = true
	t.mu.Unlock()

	remoteIce := webrtc.ICEParameters{
		UsernameFragment: params.IceParameters.UsernameFragment,
		Password:         params.IceParameters.Password,
		ICELite:          params.IceParameters.IceLite,
	}
	go t.establish(remoteIce, remoteCandidates, toPionDtls(params.DtlsParameters))
	return nil
}

func (t *webRtcTransport) establish(remoteIce webrtc.ICEParameters, candidates []webrtc.ICECandidate, remoteDtls webrtc.DTLSParameters) {
	t.emit(domain.TransportStateConnecting)

	err := func() error {
		if len(candidates) > 0 {
			if err := t.ice.SetRemoteCandidates(candidates); err != nil {
				return fmt.Errorf("remote candidates: %w", err)
			}
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remoteIce, &role); err != nil {
			return fmt.Errorf("ice: %w", err)
		}
		if err := t.dtls.Start(remoteDtls); err != nil {
			return fmt.Errorf("dtls: %w", err)
		}
		return nil
	}()

	t.connectErr = err
	close(t.ready)

	if err != nil {
		if !t.Closed() {
			t.router.logger.Warnw("transport connect failed",
				"transport_id", t.id,
				"error", err,
			)
			t.emit(domain.TransportStateFailed)
		}
		return
	}
	t.router.logger.Debugw("transport connected", "transport_id", t.id)
	t.emit(domain.TransportStateConnected)
}

// waitReady blocks until DTLS is up, the transport closes or ctx ends.
func (t *webRtcTransport) waitReady(ctx context.Context) error {
	t.mu.Lock()
	connecting := t.connecting
	t.mu.Unlock()
	if !connecting {
		return errors.New("transport not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, t.router.config.ConnectTimeout)
	defer cancel()

	select {
	case <-t.ready:
		return t.connectErr
	case <-t.closedCh:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *webRtcTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (domain.Producer, error) {
	if _, err := checkProducerParameters(t.router.caps, kind, params); err != nil {
		return nil, err
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, fmt.Errorf("produce: %w: %w", domain.ErrMediaEngine, err)
	}

	codec, _ := params.PrimaryCodec()
	receiver, err := t.router.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("produce: %w: %w", domain.ErrMediaEngine, err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.SSRC()),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("produce: %w: %w", domain.ErrMediaEngine, err)
	}

	source := &receiverSource{receiver: receiver, dtls: t.dtls}
	p := newProducer(domain.ProducerID(uuid.NewString()), kind, params, source, t.router)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, fmt.Errorf("produce: %w: %w", domain.ErrMediaEngine, errTransportClosed)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("produce: %w: %w", domain.ErrMediaEngine, err)
	}
	p.onClose(func() {
		t.router.removeProducer(p.id)
		t.mu.Lock()
		delete(t.producers, p.id)
		t.mu.Unlock()
	})

	go p.forward()
	return p, nil
}

func (t *webRtcTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.Consumer, error) {
	p, routerCodec, err := t.router.consumable(producerID, caps)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(toPionCapability(routerCodec), string(producerID), "relaycast")
	if err != nil {
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, err)
	}

	ssrc := rand.Uint32()
	for ssrc == 0 {
		ssrc = rand.Uint32()
	}
	err = sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(routerCodec.PreferredPayloadType),
			},
		}},
	})
	if err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, errTransportClosed)
	}
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	c := &webRtcConsumer{
		id:       domain.ConsumerID(uuid.NewString()),
		producer: p,
		params:   consumerParameters(routerCodec, ssrc, mid),
		track:    track,
		sender:   sender,
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	c.release = func() {
		t.mu.Lock()
		delete(t.consumers, c.id)
		t.mu.Unlock()
	}
	if !p.addSink(c.id, c) {
		_ = c.Close()
		return nil, domain.ErrProducerNotFound
	}

	go c.relayFeedback()
	if p.kind == domain.MediaKindVideo {
		p.RequestKeyFrame()
	}
	return c, nil
}

func (t *webRtcTransport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	t.onState = append(t.onState, fn)
	t.mu.Unlock()
}

func (t *webRtcTransport) emit(state domain.TransportState) {
	t.mu.Lock()
	handlers := append([]func(domain.TransportState){}, t.onState...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(state)
	}
}

func (t *webRtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedCh)
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*webRtcConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.release()
	return nil
}

func (t *webRtcTransport) release() {
	if err := t.dtls.Stop(); err != nil {
		t.router.logger.Debugw("dtls stop", "transport_id", t.id, "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.router.logger.Debugw("ice stop", "transport_id", t.id, "error", err)
	}
	if err := t.gatherer.Close(); err != nil {
		t.router.logger.Debugw("gatherer close", "transport_id", t.id, "error", err)
	}
}

func (t *webRtcTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
