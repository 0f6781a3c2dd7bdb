package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"relaycast/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// keyFrameSchedule spaces keyframe requests after a plain transport connects
// so a segmenter that is still analysing its input gets a decodable picture.
var keyFrameSchedule = []time.Duration{
	500 * time.Millisecond,
	1500 * time.Millisecond,
	3 * time.Second,
	6 * time.Second,
}

// plainTransport sends unencrypted RTP to a local UDP endpoint. Packets are
// forwarded unchanged, so consumers keep the producer parameters.
type plainTransport struct {
	id     domain.TransportID
	router *Router

	mu        sync.Mutex
	rtpConn   *net.UDPConn
	rtcpConn  *net.UDPConn
	consumers map[domain.ConsumerID]*plainConsumer
	timers    []*time.Timer
	closed    bool
}

var _ domain.PlainTransport = (*plainTransport)(nil)

func newPlainTransport(r *Router, id domain.TransportID) *plainTransport {
	return &plainTransport{
		id:        id,
		router:    r,
		consumers: make(map[domain.ConsumerID]*plainConsumer),
	}
}

func (t *plainTransport) ID() domain.TransportID {
	return t.id
}

func (t *plainTransport) Connect(ctx context.Context, ip string, port, rtcpPort int) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("connect plain transport: %w: invalid ip %q", domain.ErrMediaEngine, ip)
	}
	if port <= 0 || port > 65535 || rtcpPort <= 0 || rtcpPort > 65535 {
		return fmt.Errorf("connect plain transport: %w: invalid ports %d/%d", domain.ErrMediaEngine, port, rtcpPort)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("connect plain transport: %w: %w", domain.ErrMediaEngine, errTransportClosed)
	}
	if t.rtpConn != nil {
		return fmt.Errorf("connect plain transport: %w: %w", domain.ErrMediaEngine, errAlreadyConnected)
	}

	rtpConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return fmt.Errorf("connect plain transport: %w: %w", domain.ErrMediaEngine, err)
	}
	rtcpConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: addr, Port: rtcpPort})
	if err != nil {
		_ = rtpConn.Close()
		return fmt.Errorf("connect plain transport: %w: %w", domain.ErrMediaEngine, err)
	}
	t.rtpConn = rtpConn
	t.rtcpConn = rtcpConn

	go t.readRTCP(rtcpConn)
	for _, delay := range keyFrameSchedule {
		t.timers = append(t.timers, time.AfterFunc(delay, t.requestKeyFrames))
	}

	t.router.logger.Debugw("plain transport connected",
		"transport_id", t.id,
		"remote", net.JoinHostPort(ip, strconv.Itoa(port)),
	)
	return nil
}

func (t *plainTransport) readRTCP(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if t.isClosed() {
				return
			}
			continue
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if wantsKeyFrame(pkts) {
			t.requestKeyFrames()
		}
	}
}

func (t *plainTransport) requestKeyFrames() {
	t.mu.Lock()
	producers := make([]*producer, 0, len(t.consumers))
	for _, c := range t.consumers {
		producers = append(producers, c.producer)
	}
	t.mu.Unlock()

	for _, p := range producers {
		p.RequestKeyFrame()
	}
}

func (t *plainTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.Consumer, error) {
	p, _, err := t.router.consumable(producerID, caps)
	if err != nil {
		return nil, err
	}

	c := &plainConsumer{
		id:        domain.ConsumerID(uuid.NewString()),
		producer:  p,
		transport: t,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("consume: %w: %w", domain.ErrMediaEngine, errTransportClosed)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addSink(c.id, c) {
		_ = c.Close()
		return nil, domain.ErrProducerNotFound
	}
	return c, nil
}

// write drops packets until Connect has set the destination.
func (t *plainTransport) write(pkt *rtp.Packet) error {
	t.mu.Lock()
	conn := t.rtpConn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

func (t *plainTransport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *plainTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *plainTransport) Closed() bool {
	return t.isClosed()
}

func (t *plainTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, timer := range t.timers {
		timer.Stop()
	}
	consumers := make([]*plainConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	rtpConn, rtcpConn := t.rtpConn, t.rtcpConn
	t.rtpConn, t.rtcpConn = nil, nil
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	var errs []error
	if rtpConn != nil {
		errs = append(errs, rtpConn.Close())
	}
	if rtcpConn != nil {
		errs = append(errs, rtcpConn.Close())
	}
	return errors.Join(errs...)
}

type plainConsumer struct {
	id        domain.ConsumerID
	producer  *producer
	transport *plainTransport

	once sync.Once
}

var _ domain.Consumer = (*plainConsumer)(nil)

func (c *plainConsumer) ID() domain.ConsumerID               { return c.id }
func (c *plainConsumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *plainConsumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *plainConsumer) RtpParameters() domain.RtpParameters { return c.producer.params }

func (c *plainConsumer) writeRTP(pkt *rtp.Packet) error {
	return c.transport.write(pkt)
}

func (c *plainConsumer) producerClosed() {
	_ = c.Close()
}

func (c *plainConsumer) Close() error {
	c.once.Do(func() {
		c.producer.removeSink(c.id)
		c.transport.removeConsumer(c.id)
	})
	return nil
}
