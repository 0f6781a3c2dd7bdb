package services

import (
	"context"
	"errors"
	"fmt"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/tracing"

	"go.uber.org/zap"
)

type transportService struct {
	peers  ports.PeerRepository
	router ports.MediaRouter
	logger *zap.SugaredLogger
}

func NewTransportService(peers ports.PeerRepository, router ports.MediaRouter, logger *zap.SugaredLogger) ports.TransportService {
	return &transportService{
		peers:  peers,
		router: router,
		logger: logger,
	}
}

// CreateProducerTransport creates the peer's single send transport. A second
// call, including one racing the first, fails with ErrTransportExists.
func (s *transportService) CreateProducerTransport(ctx context.Context, peerID domain.PeerID) (domain.TransportOptions, error) {
	ctx, span := tracing.TraceMedia(ctx, "createProducerTransport", string(peerID))
	defer span.End()

	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		return domain.TransportOptions{}, err
	}

	if err := peer.ReserveProducerTransport(); err != nil {
		return domain.TransportOptions{}, err
	}

	transport, err := s.router.CreateWebRtcTransport(ctx)
	if err != nil {
		peer.CancelProducerTransport()
		tracing.RecordError(ctx, err)
		return domain.TransportOptions{}, fmt.Errorf("failed to create producer transport: %w", err)
	}
	s.watch(peerID, transport)

	if err := peer.CommitProducerTransport(transport); err != nil {
		_ = transport.Close()
		return domain.TransportOptions{}, err
	}

	s.logger.Infow("producer transport created", "peer_id", peerID, "transport_id", transport.ID())
	return transport.Options(), nil
}

// CreateConsumerTransport creates the receive transport. Repeated calls replace
// the stored one and close the previous transport.
func (s *transportService) CreateConsumerTransport(ctx context.Context, peerID domain.PeerID) (domain.TransportOptions, error) {
	ctx, span := tracing.TraceMedia(ctx, "createConsumerTransport", string(peerID))
	defer span.End()

	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		return domain.TransportOptions{}, err
	}

	transport, err := s.router.CreateWebRtcTransport(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.TransportOptions{}, fmt.Errorf("failed to create consumer transport: %w", err)
	}
	s.watch(peerID, transport)

	previous, err := peer.SetConsumerTransport(transport)
	if err != nil {
		_ = transport.Close()
		return domain.TransportOptions{}, err
	}
	if previous != nil {
		s.logger.Infow("replacing consumer transport", "peer_id", peerID, "previous_id", previous.ID())
		if err := previous.Close(); err != nil {
			s.logger.Warnw("failed to close replaced consumer transport", "peer_id", peerID, "error", err)
		}
	}

	s.logger.Infow("consumer transport created", "peer_id", peerID, "transport_id", transport.ID())
	return transport.Options(), nil
}

func (s *transportService) ConnectProducerTransport(ctx context.Context, peerID domain.PeerID, params domain.TransportConnectParams) error {
	return s.connect(ctx, peerID, params, func(p *domain.Peer) (domain.WebRtcTransport, bool) {
		return p.ProducerTransport()
	})
}

func (s *transportService) ConnectConsumerTransport(ctx context.Context, peerID domain.PeerID, params domain.TransportConnectParams) error {
	return s.connect(ctx, peerID, params, func(p *domain.Peer) (domain.WebRtcTransport, bool) {
		return p.ConsumerTransport()
	})
}

func (s *transportService) connect(
	ctx context.Context,
	peerID domain.PeerID,
	params domain.TransportConnectParams,
	pick func(*domain.Peer) (domain.WebRtcTransport, bool),
) error {
	peer, err := s.peers.GetByID(ctx, peerID)
	if err != nil {
		return err
	}

	transport, ok := pick(peer)
	if !ok {
		return domain.ErrTransportNotFound
	}

	if err := transport.Connect(ctx, params); err != nil {
		if errors.Is(err, domain.ErrInvalidDtlsParameters) {
			return err
		}
		return fmt.Errorf("failed to connect transport %s: %w", transport.ID(), err)
	}

	s.logger.Debugw("transport connected", "peer_id", peerID, "transport_id", transport.ID())
	return nil
}

// watch closes the transport once its DTLS session is gone.
func (s *transportService) watch(peerID domain.PeerID, transport domain.WebRtcTransport) {
	transport.OnStateChange(func(state domain.TransportState) {
		switch state {
		case domain.TransportStateFailed, domain.TransportStateClosed:
			if transport.Closed() {
				return
			}
			s.logger.Infow("transport ended", "peer_id", peerID, "transport_id", transport.ID(), "state", state)
			if err := transport.Close(); err != nil {
				s.logger.Warnw("failed to close transport", "peer_id", peerID, "error", err)
			}
		}
	})
}
