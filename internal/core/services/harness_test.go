package services

import (
	"context"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/repositories/memory"
	"relaycast/internal/infrastructure/streaming"
	"relaycast/internal/testutil/mediatest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t *testing.T

	router     *mediatest.Router
	transcoder *mediatest.Transcoder
	notifier   *mediatest.Notifier
	metrics    *mediatest.Metrics
	pool       *streaming.PortPool
	peers      ports.PeerRepository
	streams    ports.HlsStreamRepository
	directory  ports.StreamDirectory
	outputDir  string

	session   ports.SessionService
	transport ports.TransportService
	producer  ports.ProducerService
	consumer  ports.ConsumerService
	hls       ports.HlsService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	minPort, maxPort int
	hls              HlsConfig
}

func withPorts(min, max int) harnessOption {
	return func(c *harnessConfig) { c.minPort, c.maxPort = min, max }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		minPort: 20000,
		maxPort: 20099,
		hls: HlsConfig{
			OutputDir:         t.TempDir(),
			PublicBaseURL:     "http://localhost:4000",
			InstanceID:        "instance-1",
			ReadyPollInterval: 10 * time.Millisecond,
			ReadyTimeout:      time.Second,
			StopGrace:         100 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool, err := streaming.NewPortPool(cfg.minPort, cfg.maxPort)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t).Sugar()
	h := &harness{
		t:          t,
		router:     mediatest.NewRouter(),
		transcoder: &mediatest.Transcoder{},
		notifier:   &mediatest.Notifier{},
		metrics:    mediatest.NewMetrics(),
		pool:       pool,
		peers:      memory.NewMemoryPeerRepository(),
		streams:    memory.NewMemoryHlsStreamRepository(),
		directory:  memory.NewMemoryStreamDirectory(),
		outputDir:  cfg.hls.OutputDir,
	}

	h.hls = NewHlsService(cfg.hls, HlsDependencies{
		Router:     h.router,
		Transcoder: h.transcoder,
		Ports:      h.pool,
		Streams:    h.streams,
		Directory:  h.directory,
		Peers:      h.peers,
		Notifier:   h.notifier,
		Metrics:    h.metrics,
	}, logger)
	h.session = NewSessionService(h.peers, h.hls, h.notifier, h.metrics, logger)
	h.transport = NewTransportService(h.peers, h.router, logger)
	h.producer = NewProducerService(h.peers, h.hls, h.notifier, h.metrics, logger)
	h.consumer = NewConsumerService(h.peers, h.router, h.metrics, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.hls.StopAll(ctx)
	})
	return h
}

func (h *harness) connect(id domain.PeerID) *domain.Peer {
	h.t.Helper()
	peer, err := h.session.Connect(context.Background(), id)
	require.NoError(h.t, err)
	return peer
}

// publish connects a peer with a producer transport and produces one track.
func (h *harness) publish(peer *domain.Peer, kind domain.MediaKind) *ports.ProduceResult {
	h.t.Helper()
	ctx := context.Background()

	if _, ok := peer.ProducerTransport(); !ok {
		_, err := h.transport.CreateProducerTransport(ctx, peer.ID)
		require.NoError(h.t, err)
	}

	params := mediatest.VideoParams()
	if kind == domain.MediaKindAudio {
		params = mediatest.AudioParams()
	}
	result, err := h.producer.CreateProducer(ctx, peer.ID, kind, params)
	require.NoError(h.t, err)
	return result
}

func (h *harness) producerHandle(peer *domain.Peer, id domain.ProducerID) domain.Producer {
	h.t.Helper()
	producer, ok := peer.Producer(id)
	require.True(h.t, ok)
	return producer
}
