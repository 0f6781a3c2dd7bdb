package webrtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"relaycast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	maxReadFailures  = 25
	keyFrameInterval = 250 * time.Millisecond
)

// mediaSource is the incoming side of a producer.
type mediaSource interface {
	ReadRTP() (*rtp.Packet, error)
	WriteRTCP(pkts []rtcp.Packet) error
	Stop() error
}

// sink receives every packet a producer forwards. Packets are shared and
// must not be modified.
type sink interface {
	writeRTP(pkt *rtp.Packet) error
	producerClosed()
}

type receiverSource struct {
	receiver *webrtc.RTPReceiver
	dtls     *webrtc.DTLSTransport
}

func (s *receiverSource) ReadRTP() (*rtp.Packet, error) {
	track := s.receiver.Track()
	if track == nil {
		return nil, io.EOF
	}
	pkt, _, err := track.ReadRTP()
	return pkt, err
}

func (s *receiverSource) WriteRTCP(pkts []rtcp.Packet) error {
	_, err := s.dtls.WriteRTCP(pkts)
	return err
}

func (s *receiverSource) Stop() error {
	return s.receiver.Stop()
}

type producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RtpParameters
	source mediaSource
	router *Router

	mu           sync.RWMutex
	sinks        map[domain.ConsumerID]sink
	closed       bool
	closeFns     []func()
	lastKeyFrame time.Time
}

var _ domain.Producer = (*producer)(nil)

func newProducer(id domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters, source mediaSource, router *Router) *producer {
	return &producer{
		id:     id,
		kind:   kind,
		params: params,
		source: source,
		router: router,
		sinks:  make(map[domain.ConsumerID]sink),
	}
}

func (p *producer) ID() domain.ProducerID               { return p.id }
func (p *producer) Kind() domain.MediaKind              { return p.kind }
func (p *producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *producer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *producer) onClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeFns = append(p.closeFns, fn)
}

func (p *producer) addSink(id domain.ConsumerID, s sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sinks[id] = s
	return true
}

func (p *producer) removeSink(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.sinks, id)
	p.mu.Unlock()
}

func (p *producer) sinkCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sinks)
}

// forward pumps packets from the source to every sink until the source ends.
func (p *producer) forward() {
	failures := 0
	for {
		pkt, err := p.source.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || p.Closed() {
				break
			}
			failures++
			if failures >= maxReadFailures {
				p.router.logger.Warnw("producer read failing, closing",
					"producer_id", p.id,
					"error", err,
				)
				break
			}
			continue
		}
		failures = 0
		p.dispatch(pkt)
	}
	_ = p.Close()
}

func (p *producer) dispatch(pkt *rtp.Packet) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, s := range p.sinks {
		if err := s.writeRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.router.logger.Debugw("sink write failed",
				"producer_id", p.id,
				"consumer_id", id,
				"error", err,
			)
		}
	}
}

// RequestKeyFrame asks the sender for a new picture. Audio producers and
// bursts within keyFrameInterval are ignored.
func (p *producer) RequestKeyFrame() {
	if p.kind != domain.MediaKindVideo {
		return
	}
	p.mu.Lock()
	if p.closed || time.Since(p.lastKeyFrame) < keyFrameInterval {
		p.mu.Unlock()
		return
	}
	p.lastKeyFrame = time.Now()
	p.mu.Unlock()

	err := p.source.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.params.SSRC()},
	})
	if err != nil {
		p.router.logger.Debugw("keyframe request failed", "producer_id", p.id, "error", err)
	}
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sinks := make([]sink, 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.sinks = make(map[domain.ConsumerID]sink)
	closeFns := p.closeFns
	p.closeFns = nil
	p.mu.Unlock()

	err := p.source.Stop()
	for _, s := range sinks {
		s.producerClosed()
	}
	for _, fn := range closeFns {
		fn()
	}
	return err
}
