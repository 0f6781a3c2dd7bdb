package domain

import (
	"fmt"
	"sync"
	"time"
)

type HlsStatus string

const (
	HlsStatusStarting HlsStatus = "starting"
	HlsStatusActive   HlsStatus = "active"
	HlsStatusStopped  HlsStatus = "stopped"
)

const (
	PlaylistFileName = "playlist.m3u8"
	SegmentPattern   = "segment_%03d.ts"
	SdpFileName      = "input.sdp"
)

// PlaylistPath is the public URL path of a stream's playlist.
func PlaylistPath(id StreamID) string {
	return fmt.Sprintf("/hls/%s/%s", id, PlaylistFileName)
}

// HlsStream is one producer tapped into a segmenter. Its handles are set while
// it starts and released exactly once by Teardown.
type HlsStream struct {
	ID          StreamID
	PeerID      PeerID
	ProducerID  ProducerID
	OutputDir   string
	PlaylistURL string
	RtpPort     int
	CreatedAt   time.Time

	mu        sync.RWMutex
	status    HlsStatus
	transport PlainTransport
	consumer  Consumer
	process   TranscoderProcess

	teardown sync.Once
	stopped  chan struct{}
}

func NewHlsStream(peerID PeerID, producerID ProducerID, outputDir string, rtpPort int) *HlsStream {
	id := NewStreamID(peerID, producerID)
	return &HlsStream{
		ID:          id,
		PeerID:      peerID,
		ProducerID:  producerID,
		OutputDir:   outputDir,
		PlaylistURL: PlaylistPath(id),
		RtpPort:     rtpPort,
		CreatedAt:   time.Now(),
		status:      HlsStatusStarting,
		stopped:     make(chan struct{}),
	}
}

func (s *HlsStream) RtcpPort() int {
	return s.RtpPort + 1
}

func (s *HlsStream) Status() HlsStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// MarkActive moves a starting stream to active. It reports false if the
// stream was already stopped.
func (s *HlsStream) MarkActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != HlsStatusStarting {
		return s.status == HlsStatusActive
	}
	s.status = HlsStatusActive
	return true
}

func (s *HlsStream) SetTransport(t PlainTransport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func (s *HlsStream) SetConsumer(c Consumer) {
	s.mu.Lock()
	s.consumer = c
	s.mu.Unlock()
}

func (s *HlsStream) SetProcess(p TranscoderProcess) {
	s.mu.Lock()
	s.process = p
	s.mu.Unlock()
}

func (s *HlsStream) Process() TranscoderProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.process
}

// Teardown marks the stream stopped and runs release with the handles it held.
// Only the first call runs release; it reports whether this call did.
func (s *HlsStream) Teardown(release func(PlainTransport, Consumer, TranscoderProcess)) bool {
	ran := false
	s.teardown.Do(func() {
		ran = true

		s.mu.Lock()
		s.status = HlsStatusStopped
		transport, consumer, process := s.transport, s.consumer, s.process
		s.mu.Unlock()

		release(transport, consumer, process)
		close(s.stopped)
	})
	return ran
}

// Stopped is closed once teardown has finished.
func (s *HlsStream) Stopped() <-chan struct{} {
	return s.stopped
}

// Record is the shareable listing entry for this stream. baseURL prefixes the
// playlist path so other instances can hand out a reachable URL.
func (s *HlsStream) Record(instanceID, baseURL string) HlsStreamRecord {
	return HlsStreamRecord{
		StreamID:   s.ID,
		PeerID:     s.PeerID,
		ProducerID: s.ProducerID,
		URL:        baseURL + s.PlaylistURL,
		InstanceID: instanceID,
		CreatedAt:  s.CreatedAt,
	}
}

// HlsStreamRecord is what the stream directory stores about an announced stream.
type HlsStreamRecord struct {
	StreamID   StreamID   `json:"stream_id"`
	PeerID     PeerID     `json:"peer_id"`
	ProducerID ProducerID `json:"producer_id"`
	URL        string     `json:"url"`
	InstanceID string     `json:"instance_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HlsStreamInfo is the listing entry sent to clients.
type HlsStreamInfo struct {
	ID       StreamID `json:"id"`
	URL      string   `json:"url"`
	Name     string   `json:"name"`
	IsActive bool     `json:"isActive"`
}

func (r HlsStreamRecord) Info(active bool) HlsStreamInfo {
	return HlsStreamInfo{
		ID:       r.StreamID,
		URL:      r.URL,
		Name:     fmt.Sprintf("Stream %s", r.ProducerID),
		IsActive: active,
	}
}
