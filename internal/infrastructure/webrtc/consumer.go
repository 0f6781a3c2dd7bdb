package webrtc

import (
	"sync"

	"relaycast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// webRtcConsumer re-sends one producer to a browser through an RTPSender.
type webRtcConsumer struct {
	id       domain.ConsumerID
	producer *producer
	params   domain.RtpParameters
	track    *webrtc.TrackLocalStaticRTP
	sender   *webrtc.RTPSender
	release  func()

	once sync.Once
}

var _ domain.Consumer = (*webRtcConsumer)(nil)

func (c *webRtcConsumer) ID() domain.ConsumerID               { return c.id }
func (c *webRtcConsumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *webRtcConsumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *webRtcConsumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *webRtcConsumer) writeRTP(pkt *rtp.Packet) error {
	return c.track.WriteRTP(pkt)
}

func (c *webRtcConsumer) producerClosed() {
	_ = c.Close()
}

// relayFeedback turns receiver keyframe requests into requests on the producer.
func (c *webRtcConsumer) relayFeedback() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		if wantsKeyFrame(pkts) {
			c.producer.RequestKeyFrame()
		}
	}
}

func (c *webRtcConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.producer.removeSink(c.id)
		err = c.sender.Stop()
		if c.release != nil {
			c.release()
		}
	})
	return err
}

func wantsKeyFrame(pkts []rtcp.Packet) bool {
	for _, pkt := range pkts {
		switch pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}
