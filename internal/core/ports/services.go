package ports

import (
	"context"

	"relaycast/internal/core/domain"
)

type SessionService interface {
	Connect(ctx context.Context, peerID domain.PeerID) (*domain.Peer, error)
	Disconnect(ctx context.Context, peerID domain.PeerID) error
	GetPeer(ctx context.Context, peerID domain.PeerID) (*domain.Peer, error)
}

type TransportService interface {
	CreateProducerTransport(ctx context.Context, peerID domain.PeerID) (domain.TransportOptions, error)
	CreateConsumerTransport(ctx context.Context, peerID domain.PeerID) (domain.TransportOptions, error)
	ConnectProducerTransport(ctx context.Context, peerID domain.PeerID, params domain.TransportConnectParams) error
	ConnectConsumerTransport(ctx context.Context, peerID domain.PeerID, params domain.TransportConnectParams) error
}

type ProduceResult struct {
	ProducerID domain.ProducerID
	Kind       domain.MediaKind
	Stream     *domain.HlsStream
}

type ProducerService interface {
	CreateProducer(ctx context.Context, peerID domain.PeerID, kind domain.MediaKind, params domain.RtpParameters) (*ProduceResult, error)
	GetAllProducers(ctx context.Context, excludePeerID domain.PeerID) []domain.ProducerInfo
}

type ConsumerService interface {
	CreateConsumers(ctx context.Context, peerID domain.PeerID, caps domain.RtpCapabilities) ([]domain.ConsumerInfo, error)
	CreateConsumerForProducer(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerInfo, error)
}

type HlsService interface {
	StartHlsTranscoding(ctx context.Context, peer *domain.Peer, producer domain.Producer) (*domain.HlsStream, error)
	StopHlsTranscoding(stream *domain.HlsStream)
	IsHlsStreamReady(id domain.StreamID) bool
	GetHlsStreamURL(id domain.StreamID) (string, error)
	GetStreamURLForProducer(producerID domain.ProducerID) (string, error)
	GetActiveStreams() []*domain.HlsStream
	ListAvailableStreams(ctx context.Context) ([]domain.HlsStreamInfo, error)
	StopAll(ctx context.Context)
}

// Notifier delivers pushes to connected signaling clients.
type Notifier interface {
	Broadcast(ctx context.Context, event domain.Event, except domain.PeerID)
}

type MetricsRecorder interface {
	PeerConnected()
	PeerDisconnected()
	ProducerCreated(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerCreated()
	ConsumerClosed()
	HlsStreamStarted()
	HlsStreamStopped()
	HlsStartFailed(reason string)
	SegmenterExited(outcome string)
}
