package services

import (
	"context"
	"errors"
	"testing"

	"relaycast/internal/core/domain"
	"relaycast/internal/testutil/mediatest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerService_RequiresProducerTransport(t *testing.T) {
	h := newHarness(t)
	h.connect("peer-a")

	_, err := h.producer.CreateProducer(context.Background(), "peer-a", domain.MediaKindVideo, mediatest.VideoParams())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestProducerService_RejectsUnknownKind(t *testing.T) {
	h := newHarness(t)
	h.connect("peer-a")

	_, err := h.producer.CreateProducer(context.Background(), "peer-a", "data", mediatest.VideoParams())
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
}

func TestProducerService_VideoStartsHlsStream(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")

	result := h.publish(peer, domain.MediaKindVideo)
	require.NotNil(t, result.Stream)

	wantID := domain.StreamID("peer-a_" + string(result.ProducerID))
	assert.Equal(t, wantID, result.Stream.ID)
	assert.Equal(t, "/hls/"+string(wantID)+"/playlist.m3u8", result.Stream.PlaylistURL)

	stream, ok := peer.HlsStream(result.ProducerID)
	require.True(t, ok)
	assert.Same(t, result.Stream, stream)

	announced := h.notifier.Named(domain.EventNewProducer)
	require.Len(t, announced, 1)
	assert.Equal(t, domain.PeerID("peer-a"), announced[0].Except)
	assert.Equal(t, domain.NewProducerPayload{SocketID: "peer-a", ProducerID: result.ProducerID, Kind: domain.MediaKindVideo}, announced[0].Event.Data)
}

func TestProducerService_AudioHasNoHlsStream(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")

	result := h.publish(peer, domain.MediaKindAudio)
	assert.Nil(t, result.Stream)
	assert.Equal(t, 0, h.transcoder.Started())
}

func TestProducerService_HlsFailureDoesNotFailProduce(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")
	h.router.PlainTransportErr = errors.New("no plain transport")

	result := h.publish(peer, domain.MediaKindVideo)
	assert.Nil(t, result.Stream)

	_, ok := peer.Producer(result.ProducerID)
	assert.True(t, ok)
	assert.Len(t, h.notifier.Named(domain.EventNewProducer), 1)
	assert.Equal(t, 1, h.metrics.Snapshot().Failures[FailureMediaEngine])
	assert.Equal(t, 0, h.pool.InUse())
}

func TestProducerService_GetAllProducersExcludesCaller(t *testing.T) {
	h := newHarness(t)
	a := h.connect("peer-a")
	b := h.connect("peer-b")

	video := h.publish(a, domain.MediaKindVideo)
	audio := h.publish(a, domain.MediaKindAudio)
	own := h.publish(b, domain.MediaKindAudio)

	list := h.producer.GetAllProducers(context.Background(), "peer-b")
	assert.ElementsMatch(t, []domain.ProducerInfo{
		{ProducerID: video.ProducerID, PeerID: "peer-a", Kind: domain.MediaKindVideo},
		{ProducerID: audio.ProducerID, PeerID: "peer-a", Kind: domain.MediaKindAudio},
	}, list)
	for _, info := range list {
		assert.NotEqual(t, own.ProducerID, info.ProducerID)
	}

	assert.NotNil(t, h.producer.GetAllProducers(context.Background(), "peer-a"))
}
