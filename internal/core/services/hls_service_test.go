package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaycast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond

func startVideo(t *testing.T, h *harness, peerID domain.PeerID) (*domain.Peer, domain.Producer, *domain.HlsStream) {
	t.Helper()
	peer := h.connect(peerID)
	result := h.publish(peer, domain.MediaKindVideo)
	require.NotNil(t, result.Stream)
	return peer, h.producerHandle(peer, result.ProducerID), result.Stream
}

func TestHlsService_StartWiresTapAndSegmenter(t *testing.T) {
	h := newHarness(t)
	_, _, stream := startVideo(t, h, "peer-a")

	assert.Equal(t, 20000, stream.RtpPort)
	assert.True(t, h.pool.IsAllocated(20000))

	plain := h.router.LastPlain()
	require.NotNil(t, plain)
	assert.Equal(t, "127.0.0.1", plain.IP)
	assert.Equal(t, 20000, plain.Port)
	assert.Equal(t, 20001, plain.RtcpPort)

	require.Equal(t, 1, h.transcoder.Started())
	job := h.transcoder.Jobs[0]
	assert.Equal(t, stream.ID, job.StreamID)
	assert.Equal(t, filepath.Join(h.outputDir, string(stream.ID)), job.OutputDir)
	assert.Equal(t, domain.MediaKindVideo, job.Kind)
	assert.Equal(t, uint32(1111), job.RtpParameters.SSRC())
	assert.FileExists(t, job.SdpPath())

	active := h.hls.GetActiveStreams()
	require.Len(t, active, 1)
	assert.Same(t, stream, active[0])

	url, err := h.hls.GetHlsStreamURL(stream.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/hls/"+string(stream.ID)+"/playlist.m3u8", url)

	path, err := h.hls.GetStreamURLForProducer(stream.ProducerID)
	require.NoError(t, err)
	assert.Equal(t, stream.PlaylistURL, path)

	announced := h.notifier.Named(domain.EventNewHlsStream)
	require.Len(t, announced, 1)
	assert.Equal(t, domain.PeerID(""), announced[0].Except)
	info := announced[0].Event.Data.(domain.HlsStreamInfo)
	assert.Equal(t, url, info.URL)
	assert.True(t, info.IsActive)
}

func TestHlsService_RejectsAudio(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")
	result := h.publish(peer, domain.MediaKindAudio)

	_, err := h.hls.StartHlsTranscoding(context.Background(), peer, h.producerHandle(peer, result.ProducerID))
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
	assert.Equal(t, 0, h.pool.InUse())
}

func TestHlsService_StopReleasesEverything(t *testing.T) {
	h := newHarness(t)
	peer, _, stream := startVideo(t, h, "peer-a")
	process := h.transcoder.Process(0)
	plain := h.router.LastPlain()

	h.hls.StopHlsTranscoding(stream)

	assert.Equal(t, domain.HlsStatusStopped, stream.Status())
	assert.False(t, h.pool.IsAllocated(stream.RtpPort))
	assert.False(t, process.Running())
	assert.True(t, plain.Closed())
	_, ok := h.streams.Get(stream.ID)
	assert.False(t, ok)
	_, ok = peer.HlsStream(stream.ProducerID)
	assert.False(t, ok)
	_, err := h.hls.GetHlsStreamURL(stream.ID)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	records, err := h.directory.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Eventually(t, func() bool {
		return h.metrics.Snapshot().Exits[OutcomeStopped] == 1
	}, eventually, tick)
}

func TestHlsService_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, _, stream := startVideo(t, h, "peer-a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.hls.StopHlsTranscoding(stream)
		}()
	}
	wg.Wait()
	h.hls.StopHlsTranscoding(stream)
	h.hls.StopHlsTranscoding(nil)
	h.hls.StopHlsTranscoding(domain.NewHlsStream("ghost", "nothing", t.TempDir(), 30000))

	assert.Equal(t, 1, h.transcoder.Process(0).Stops())
	assert.Len(t, h.notifier.Named(domain.EventStreamRemoved), 1)
	assert.Equal(t, 0, h.metrics.Snapshot().Streams)
	assert.Equal(t, 0, h.pool.InUse())
}

func TestHlsService_RestartReplacesPreviousInstance(t *testing.T) {
	h := newHarness(t, withPorts(20000, 20001))
	peer, producer, first := startVideo(t, h, "peer-a")
	firstProcess := h.transcoder.Process(0)

	second, err := h.hls.StartHlsTranscoding(context.Background(), peer, producer)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotSame(t, first, second)
	assert.Equal(t, domain.HlsStatusStopped, first.Status())
	assert.False(t, firstProcess.Running())
	assert.Equal(t, 20000, second.RtpPort, "single-port pool only works if the first port was released")

	current, ok := h.streams.Get(second.ID)
	require.True(t, ok)
	assert.Same(t, second, current)
	owned, ok := peer.HlsStream(producer.ID())
	require.True(t, ok)
	assert.Same(t, second, owned)
	assert.Len(t, h.hls.GetActiveStreams(), 1)
}

func TestHlsService_RestartKillsStubbornSegmenter(t *testing.T) {
	h := newHarness(t)
	h.transcoder.IgnoreStop = true
	peer, producer, _ := startVideo(t, h, "peer-a")
	stubborn := h.transcoder.Process(0)

	_, err := h.hls.StartHlsTranscoding(context.Background(), peer, producer)
	require.NoError(t, err)

	assert.Equal(t, 1, stubborn.Kills())
	assert.False(t, stubborn.Running())
}

func TestHlsService_StartAfterStopWaitsForPreviousSegmenter(t *testing.T) {
	h := newHarness(t)
	h.transcoder.IgnoreStop = true
	peer, producer, first := startVideo(t, h, "peer-a")
	lingering := h.transcoder.Process(0)

	h.hls.StopHlsTranscoding(first)
	require.True(t, lingering.Running())

	exited := time.AfterFunc(20*time.Millisecond, func() { lingering.Crash(0) })
	defer exited.Stop()

	second, err := h.hls.StartHlsTranscoding(context.Background(), peer, producer)
	require.NoError(t, err)

	assert.False(t, lingering.Running())
	assert.Equal(t, 0, lingering.Kills())
	assert.Equal(t, 2, h.transcoder.Started())
	assert.Equal(t, first.ID, second.ID)
	_, err = os.Stat(filepath.Join(second.OutputDir, "input.sdp"))
	assert.NoError(t, err)
}

func TestHlsService_StartAfterStopKillsLingeringSegmenter(t *testing.T) {
	h := newHarness(t)
	h.transcoder.IgnoreStop = true
	peer, producer, first := startVideo(t, h, "peer-a")
	lingering := h.transcoder.Process(0)

	h.hls.StopHlsTranscoding(first)
	_, err := h.hls.StartHlsTranscoding(context.Background(), peer, producer)
	require.NoError(t, err)

	assert.Equal(t, 1, lingering.Kills())
	assert.False(t, lingering.Running())
}

func TestHlsService_StopAllWaitsForStoppedSegmenters(t *testing.T) {
	h := newHarness(t)
	h.transcoder.IgnoreStop = true
	_, _, stream := startVideo(t, h, "peer-a")
	lingering := h.transcoder.Process(0)

	h.hls.StopHlsTranscoding(stream)
	require.True(t, lingering.Running())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.hls.StopAll(ctx)

	assert.False(t, lingering.Running())
	assert.Equal(t, 1, lingering.Kills())
}

func TestHlsService_PortExhaustionLeavesNoState(t *testing.T) {
	h := newHarness(t, withPorts(20000, 20001))
	_, _, _ = startVideo(t, h, "peer-a")
	plainBefore := len(h.router.Plain)

	peer := h.connect("peer-b")
	result := h.publish(peer, domain.MediaKindVideo)
	assert.Nil(t, result.Stream)

	producer := h.producerHandle(peer, result.ProducerID)
	_, err := h.hls.StartHlsTranscoding(context.Background(), peer, producer)
	assert.ErrorIs(t, err, domain.ErrPortsExhausted)

	id := domain.NewStreamID("peer-b", producer.ID())
	assert.NoDirExists(t, filepath.Join(h.outputDir, string(id)))
	assert.Len(t, h.router.Plain, plainBefore)
	assert.Equal(t, 1, h.transcoder.Started())
	_, ok := h.streams.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 2, h.metrics.Snapshot().Failures[FailurePortsExhausted])
}

func TestHlsService_ConsumeFailureReleasesPort(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")
	h.router.TapConsumeErr = assert.AnError

	result := h.publish(peer, domain.MediaKindVideo)
	assert.Nil(t, result.Stream)

	_, err := h.hls.StartHlsTranscoding(context.Background(), peer, h.producerHandle(peer, result.ProducerID))
	assert.ErrorIs(t, err, domain.ErrMediaEngine)
	assert.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, 0, h.pool.InUse())
	assert.True(t, h.router.LastPlain().Closed())
	assert.Equal(t, 0, h.transcoder.Started())
	assert.NoDirExists(t, filepath.Join(h.outputDir, string(domain.NewStreamID("peer-a", result.ProducerID))))
	assert.Equal(t, 2, h.metrics.Snapshot().Failures[FailureMediaEngine])
}

func TestHlsService_SpawnFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("peer-a")
	h.transcoder.StartErr = assert.AnError

	result := h.publish(peer, domain.MediaKindVideo)
	assert.Nil(t, result.Stream)

	id := domain.NewStreamID("peer-a", result.ProducerID)
	assert.NoDirExists(t, filepath.Join(h.outputDir, string(id)))
	assert.Equal(t, 0, h.pool.InUse())
	assert.True(t, h.router.LastPlain().Closed())
	assert.Equal(t, 1, h.metrics.Snapshot().Failures[FailureSpawn])
	assert.Empty(t, h.notifier.Named(domain.EventStreamRemoved))
}

func TestHlsService_CrashTearsDownWithoutRestart(t *testing.T) {
	h := newHarness(t)
	peer, _, stream := startVideo(t, h, "peer-a")

	h.transcoder.Process(0).Crash(1)

	select {
	case <-stream.Stopped():
	case <-time.After(eventually):
		t.Fatal("crash did not tear the stream down")
	}

	assert.False(t, h.pool.IsAllocated(stream.RtpPort))
	_, ok := peer.HlsStream(stream.ProducerID)
	assert.False(t, ok)
	assert.Empty(t, h.hls.GetActiveStreams())
	assert.Equal(t, 1, h.transcoder.Started())
	assert.Len(t, h.notifier.Named(domain.EventStreamRemoved), 1)
	assert.Eventually(t, func() bool {
		return h.metrics.Snapshot().Exits[OutcomeCrashed] == 1
	}, eventually, tick)
}

func TestHlsService_PlaylistMarksStreamReady(t *testing.T) {
	h := newHarness(t)
	_, _, stream := startVideo(t, h, "peer-a")

	assert.False(t, h.hls.IsHlsStreamReady(stream.ID))
	assert.Equal(t, domain.HlsStatusStarting, stream.Status())

	playlist := filepath.Join(stream.OutputDir, domain.PlaylistFileName)
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644))

	assert.Eventually(t, func() bool {
		return stream.Status() == domain.HlsStatusActive
	}, eventually, tick)
	assert.True(t, h.hls.IsHlsStreamReady(stream.ID))
	assert.False(t, h.hls.IsHlsStreamReady("unknown"))
}

func TestHlsService_ReadinessTimeoutKeepsStream(t *testing.T) {
	h := newHarness(t)
	_, _, stream := startVideo(t, h, "peer-a")

	time.Sleep(1200 * time.Millisecond)

	assert.Equal(t, domain.HlsStatusStarting, stream.Status())
	_, ok := h.streams.Get(stream.ID)
	assert.True(t, ok)
}

func TestHlsService_ListAvailableStreams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, producer, stream := startVideo(t, h, "peer-a")
	require.NoError(t, h.directory.Announce(ctx, domain.HlsStreamRecord{
		StreamID:   "remote_x",
		ProducerID: "x",
		URL:        "http://other:4000/hls/remote_x/playlist.m3u8",
		InstanceID: "instance-2",
	}))
	require.NoError(t, h.directory.Announce(ctx, domain.HlsStreamRecord{
		StreamID:   "stale_y",
		ProducerID: "y",
		InstanceID: "instance-1",
	}))

	streams, err := h.hls.ListAvailableStreams(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.HlsStreamInfo{
		{ID: stream.ID, URL: "http://localhost:4000" + stream.PlaylistURL, Name: "Stream " + string(stream.ProducerID), IsActive: true},
		{ID: "remote_x", URL: "http://other:4000/hls/remote_x/playlist.m3u8", Name: "Stream x", IsActive: true},
	}, streams)

	require.NoError(t, producer.Close())
	streams, err = h.hls.ListAvailableStreams(ctx)
	require.NoError(t, err)
	for _, info := range streams {
		if info.ID == stream.ID {
			assert.False(t, info.IsActive)
		}
	}
}

func TestHlsService_DisconnectRemovesListingAndFreesPort(t *testing.T) {
	h := newHarness(t, withPorts(20000, 20001))
	ctx := context.Background()

	_, _, stream := startVideo(t, h, "peer-a")
	h.connect("peer-b")

	streams, err := h.hls.ListAvailableStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.True(t, streams[0].IsActive)

	require.NoError(t, h.session.Disconnect(ctx, "peer-a"))

	streams, err = h.hls.ListAvailableStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, streams)

	port, err := h.pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, stream.RtpPort, port)
}

func TestHlsService_StopAllWaitsForSegmenters(t *testing.T) {
	h := newHarness(t)
	startVideo(t, h, "peer-a")
	startVideo(t, h, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.hls.StopAll(ctx)

	assert.Empty(t, h.hls.GetActiveStreams())
	assert.False(t, h.transcoder.Process(0).Running())
	assert.False(t, h.transcoder.Process(1).Running())
	assert.Equal(t, 0, h.pool.InUse())
}
