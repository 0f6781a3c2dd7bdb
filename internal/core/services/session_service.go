package services

import (
	"context"
	"errors"
	"fmt"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

type sessionService struct {
	peers    ports.PeerRepository
	hls      ports.HlsService
	notifier ports.Notifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
}

func NewSessionService(
	peers ports.PeerRepository,
	hls ports.HlsService,
	notifier ports.Notifier,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.SessionService {
	return &sessionService{
		peers:    peers,
		hls:      hls,
		notifier: orNoopNotifier(notifier),
		metrics:  orNoopMetrics(metrics),
		logger:   logger,
	}
}

func (s *sessionService) Connect(ctx context.Context, peerID domain.PeerID) (*domain.Peer, error) {
	peer := domain.NewPeer(peerID)
	if err := s.peers.Add(ctx, peer); err != nil {
		return nil, fmt.Errorf("failed to register peer: %w", err)
	}

	s.metrics.PeerConnected()
	s.logger.Infow("peer connected", "peer_id", peerID)
	return peer, nil
}

func (s *sessionService) GetPeer(ctx context.Context, peerID domain.PeerID) (*domain.Peer, error) {
	return s.peers.GetByID(ctx, peerID)
}

// Disconnect releases everything the peer owns. Unknown peers are ignored.
func (s *sessionService) Disconnect(ctx context.Context, peerID domain.PeerID) error {
	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		if errors.Is(err, domain.ErrPeerNotFound) {
			s.logger.Debugw("disconnect for unknown peer", "peer_id", peerID)
			return nil
		}
		return err
	}

	res := peer.Detach()

	for _, stream := range res.HlsStreams {
		s.hls.StopHlsTranscoding(stream)
	}
	for _, producer := range res.Producers {
		if err := producer.Close(); err != nil {
			s.logger.Warnw("failed to close producer", "peer_id", peerID, "producer_id", producer.ID(), "error", err)
		}
		s.metrics.ProducerClosed(producer.Kind())
	}
	for _, consumer := range res.Consumers {
		if err := consumer.Close(); err != nil {
			s.logger.Warnw("failed to close consumer", "peer_id", peerID, "consumer_id", consumer.ID(), "error", err)
		}
		s.metrics.ConsumerClosed()
	}
	for _, transport := range []domain.WebRtcTransport{res.ProducerTransport, res.ConsumerTransport} {
		if transport == nil {
			continue
		}
		if err := transport.Close(); err != nil {
			s.logger.Warnw("failed to close transport", "peer_id", peerID, "transport_id", transport.ID(), "error", err)
		}
	}

	if err := s.peers.Remove(ctx, peerID); err != nil {
		s.logger.Warnw("failed to unregister peer", "peer_id", peerID, "error", err)
	}
	s.metrics.PeerDisconnected()

	s.notifier.Broadcast(ctx, domain.PeerDisconnectedEvent(peerID), peerID)

	s.logger.Infow("peer disconnected",
		"peer_id", peerID,
		"producers", len(res.Producers),
		"consumers", len(res.Consumers),
		"hls_streams", len(res.HlsStreams),
	)
	return nil
}
