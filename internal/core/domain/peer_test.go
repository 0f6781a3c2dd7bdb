package domain

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_ReserveProducerTransportIsExclusive(t *testing.T) {
	peer := NewPeer("peer-1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := peer.ReserveProducerTransport(); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.ErrorIs(t, peer.ReserveProducerTransport(), ErrTransportExists)

	peer.CancelProducerTransport()
	assert.NoError(t, peer.ReserveProducerTransport())
}

func TestPeer_DetachClosesPeer(t *testing.T) {
	peer := NewPeer("peer-1")
	stream := NewHlsStream("peer-1", "producer-1", "/tmp/x", 10000)
	require.NoError(t, peer.AddHlsStream(stream))

	res := peer.Detach()
	assert.Len(t, res.HlsStreams, 1)
	assert.True(t, peer.Closed())
	assert.Empty(t, peer.HlsStreams())

	assert.ErrorIs(t, peer.AddHlsStream(stream), ErrPeerClosed)
	assert.ErrorIs(t, peer.ReserveProducerTransport(), ErrPeerClosed)
	_, err := peer.SetConsumerTransport(nil)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestPeer_RemoveHlsStreamKeepsReplacement(t *testing.T) {
	peer := NewPeer("peer-1")
	first := NewHlsStream("peer-1", "producer-1", "/tmp/x", 10000)
	second := NewHlsStream("peer-1", "producer-1", "/tmp/x", 10002)

	require.NoError(t, peer.AddHlsStream(first))
	require.NoError(t, peer.AddHlsStream(second))
	peer.RemoveHlsStream(first)

	got, ok := peer.HlsStream("producer-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}
