package ports

import (
	"context"
	"path/filepath"

	"relaycast/internal/core/domain"
)

// MediaRouter is the media engine the orchestration layer drives.
type MediaRouter interface {
	RtpCapabilities() domain.RtpCapabilities
	CreateWebRtcTransport(ctx context.Context) (domain.WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context) (domain.PlainTransport, error)
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	Close() error
}

// TranscodeJob describes one tapped producer to segment.
type TranscodeJob struct {
	StreamID      domain.StreamID
	OutputDir     string
	Kind          domain.MediaKind
	RtpPort       int
	RtpParameters domain.RtpParameters
}

func (j TranscodeJob) SdpPath() string {
	return filepath.Join(j.OutputDir, domain.SdpFileName)
}

func (j TranscodeJob) PlaylistPath() string {
	return filepath.Join(j.OutputDir, domain.PlaylistFileName)
}

// Transcoder runs the external segmenter for one HLS stream. Prepare creates
// the output directory and writes the input description; Start spawns the
// process reading it.
type Transcoder interface {
	Prepare(job TranscodeJob) error
	Start(ctx context.Context, job TranscodeJob) (domain.TranscoderProcess, error)
}

// PortAllocator hands out even RTP ports; port+1 is implied for RTCP.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}
