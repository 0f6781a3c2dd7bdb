package services

import (
	"context"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/tracing"

	"go.uber.org/zap"
)

type consumerService struct {
	peers   ports.PeerRepository
	router  ports.MediaRouter
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

func NewConsumerService(
	peers ports.PeerRepository,
	router ports.MediaRouter,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.ConsumerService {
	return &consumerService{
		peers:   peers,
		router:  router,
		metrics: orNoopMetrics(metrics),
		logger:  logger,
	}
}

// CreateConsumers subscribes the peer to every producer of every other peer
// that its capabilities allow. Producers that cannot be consumed are skipped.
func (s *consumerService) CreateConsumers(ctx context.Context, peerID domain.PeerID, caps domain.RtpCapabilities) ([]domain.ConsumerInfo, error) {
	ctx, span := tracing.TraceMedia(ctx, "consume", string(peerID))
	defer span.End()

	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		return nil, err
	}

	transport, ok := peer.ConsumerTransport()
	if !ok {
		return nil, domain.ErrTransportNotFound
	}

	result := []domain.ConsumerInfo{}
	for _, other := range s.peers.List(ctx) {
		if other.ID == peerID {
			continue
		}
		for _, producer := range other.Producers() {
			if producer.Closed() || !s.router.CanConsume(producer.ID(), caps) {
				continue
			}
			info, err := s.consume(ctx, peer, transport, other.ID, producer.ID(), caps)
			if err != nil {
				s.logger.Warnw("skipping producer",
					"peer_id", peerID,
					"producer_id", producer.ID(),
					"error", err,
				)
				continue
			}
			result = append(result, *info)
		}
	}

	s.logger.Debugw("consumers created", "peer_id", peerID, "count", len(result))
	return result, nil
}

func (s *consumerService) CreateConsumerForProducer(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerInfo, error) {
	ctx, span := tracing.TraceMedia(ctx, "consumeProducer", string(peerID))
	defer span.End()

	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		return nil, err
	}

	transport, ok := peer.ConsumerTransport()
	if !ok {
		return nil, domain.ErrTransportNotFound
	}

	owner, found := s.findOwner(ctx, producerID)
	if !found {
		return nil, domain.ErrProducerNotFound
	}
	if !s.router.CanConsume(producerID, caps) {
		return nil, domain.ErrCannotConsume
	}

	info, err := s.consume(ctx, peer, transport, owner, producerID, caps)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return info, nil
}

func (s *consumerService) consume(
	ctx context.Context,
	peer *domain.Peer,
	transport domain.WebRtcTransport,
	owner domain.PeerID,
	producerID domain.ProducerID,
	caps domain.RtpCapabilities,
) (*domain.ConsumerInfo, error) {
	consumer, err := transport.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, err
	}
	if err := peer.AddConsumer(consumer); err != nil {
		_ = consumer.Close()
		return nil, err
	}
	s.metrics.ConsumerCreated()

	return &domain.ConsumerInfo{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
		PeerID:        owner,
	}, nil
}

func (s *consumerService) findOwner(ctx context.Context, producerID domain.ProducerID) (domain.PeerID, bool) {
	for _, peer := range s.peers.List(ctx) {
		if producer, ok := peer.Producer(producerID); ok && !producer.Closed() {
			return peer.ID, true
		}
	}
	return "", false
}
