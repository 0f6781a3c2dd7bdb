package services

import (
	"context"
	"fmt"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/tracing"

	"go.uber.org/zap"
)

type producerService struct {
	peers    ports.PeerRepository
	hls      ports.HlsService
	notifier ports.Notifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
}

func NewProducerService(
	peers ports.PeerRepository,
	hls ports.HlsService,
	notifier ports.Notifier,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.ProducerService {
	return &producerService{
		peers:    peers,
		hls:      hls,
		notifier: orNoopNotifier(notifier),
		metrics:  orNoopMetrics(metrics),
		logger:   logger,
	}
}

// CreateProducer publishes a track on the peer's producer transport. Video
// producers are also tapped into HLS; a failed tap does not fail the call.
func (s *producerService) CreateProducer(ctx context.Context, peerID domain.PeerID, kind domain.MediaKind, params domain.RtpParameters) (*ports.ProduceResult, error) {
	ctx, span := tracing.TraceMedia(ctx, "produce", string(peerID))
	defer span.End()

	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}

	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		return nil, err
	}

	transport, ok := peer.ProducerTransport()
	if !ok {
		return nil, domain.ErrTransportNotFound
	}

	producer, err := transport.Produce(ctx, kind, params)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to produce %s: %w", kind, err)
	}

	if err := peer.AddProducer(producer); err != nil {
		_ = producer.Close()
		return nil, err
	}
	s.metrics.ProducerCreated(kind)

	s.logger.Infow("producer created", "peer_id", peerID, "producer_id", producer.ID(), "kind", kind)

	result := &ports.ProduceResult{ProducerID: producer.ID(), Kind: kind}

	if kind == domain.MediaKindVideo && s.hls != nil {
		stream, err := s.hls.StartHlsTranscoding(ctx, peer, producer)
		if err != nil {
			s.logger.Warnw("hls transcoding not started",
				"peer_id", peerID,
				"producer_id", producer.ID(),
				"error", err,
			)
		} else {
			result.Stream = stream
		}
	}

	s.notifier.Broadcast(ctx, domain.NewProducerEvent(peerID, producer.ID(), kind), peerID)
	return result, nil
}

// GetAllProducers lists live producers of every peer except excludePeerID.
func (s *producerService) GetAllProducers(ctx context.Context, excludePeerID domain.PeerID) []domain.ProducerInfo {
	result := []domain.ProducerInfo{}
	for _, peer := range s.peers.List(ctx) {
		if peer.ID == excludePeerID {
			continue
		}
		for _, producer := range peer.Producers() {
			if producer.Closed() {
				continue
			}
			result = append(result, domain.ProducerInfo{
				ProducerID: producer.ID(),
				PeerID:     peer.ID,
				Kind:       producer.Kind(),
			})
		}
	}
	return result
}
