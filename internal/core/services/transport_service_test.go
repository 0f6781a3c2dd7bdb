package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"relaycast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportService_ProducerTransportIsFirstWriteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("peer-a")

	opts, err := h.transport.CreateProducerTransport(ctx, "peer-a")
	require.NoError(t, err)
	assert.NotEmpty(t, opts.ID)
	assert.NotEmpty(t, opts.IceParameters.UsernameFragment)

	_, err = h.transport.CreateProducerTransport(ctx, "peer-a")
	assert.ErrorIs(t, err, domain.ErrTransportExists)
	assert.Equal(t, 1, h.router.WebRtcCount())
}

func TestTransportService_ConcurrentProducerTransportCreation(t *testing.T) {
	h := newHarness(t)
	h.connect("peer-a")

	var wg sync.WaitGroup
	var created, rejected atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.transport.CreateProducerTransport(context.Background(), "peer-a")
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrTransportExists):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(15), rejected.Load())
	assert.Equal(t, 1, h.router.WebRtcCount())
}

func TestTransportService_ProviderFailureFreesSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("peer-a")

	h.router.WebRtcTransportErr = errors.New("worker died")
	_, err := h.transport.CreateProducerTransport(ctx, "peer-a")
	assert.ErrorIs(t, err, domain.ErrMediaEngine)

	h.router.WebRtcTransportErr = nil
	_, err = h.transport.CreateProducerTransport(ctx, "peer-a")
	assert.NoError(t, err)
}

func TestTransportService_ConsumerTransportReplacesAndClosesPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	peer := h.connect("peer-a")

	first, err := h.transport.CreateConsumerTransport(ctx, "peer-a")
	require.NoError(t, err)
	second, err := h.transport.CreateConsumerTransport(ctx, "peer-a")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	current, ok := peer.ConsumerTransport()
	require.True(t, ok)
	assert.Equal(t, second.ID, current.ID())
	assert.True(t, h.router.WebRtc[0].Closed())
	assert.False(t, h.router.WebRtc[1].Closed())
}

func TestTransportService_ConnectRequiresTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("peer-a")

	params := domain.TransportConnectParams{
		DtlsParameters: domain.DtlsParameters{
			Role:         domain.DtlsRoleClient,
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
		},
	}

	assert.ErrorIs(t, h.transport.ConnectProducerTransport(ctx, "peer-a", params), domain.ErrTransportNotFound)
	assert.ErrorIs(t, h.transport.ConnectConsumerTransport(ctx, "peer-a", params), domain.ErrTransportNotFound)
	assert.ErrorIs(t, h.transport.ConnectProducerTransport(ctx, "ghost", params), domain.ErrPeerNotFound)

	_, err := h.transport.CreateProducerTransport(ctx, "peer-a")
	require.NoError(t, err)
	require.NoError(t, h.transport.ConnectProducerTransport(ctx, "peer-a", params))
	assert.Equal(t, 1, h.router.WebRtc[0].ConnectCalls())
}

func TestTransportService_ClosesTransportOnTerminalState(t *testing.T) {
	h := newHarness(t)
	h.connect("peer-a")

	_, err := h.transport.CreateProducerTransport(context.Background(), "peer-a")
	require.NoError(t, err)

	transport := h.router.WebRtc[0]
	transport.EmitState(domain.TransportStateConnected)
	assert.False(t, transport.Closed())

	transport.EmitState(domain.TransportStateClosed)
	assert.True(t, transport.Closed())
}

func TestTransportService_ClosedPeerGetsNoTransport(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")
	peer.Detach()

	_, err := h.transport.CreateConsumerTransport(context.Background(), "peer-a")
	assert.ErrorIs(t, err, domain.ErrPeerClosed)
	require.Len(t, h.router.WebRtc, 1)
	assert.True(t, h.router.WebRtc[0].Closed())
}
