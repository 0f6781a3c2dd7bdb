package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/tracing"

	"go.uber.org/zap"
)

const loopbackIP = "127.0.0.1"

// HLS start failure reasons, used as the metrics label.
const (
	FailurePortsExhausted = "ports_exhausted"
	FailureMediaEngine    = "media_engine"
	FailurePrepare        = "prepare"
	FailureSpawn          = "spawn"
	FailurePeerClosed     = "peer_closed"
)

// Segmenter exit outcomes.
const (
	OutcomeStopped = "stopped"
	OutcomeExited  = "exited"
	OutcomeCrashed = "crashed"
)

type HlsConfig struct {
	OutputDir string
	// PublicBaseURL prefixes playlist paths in listings, e.g. http://localhost:4000.
	PublicBaseURL string
	InstanceID    string

	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	// StopGrace is how long a replaced segmenter may take to exit before it is killed.
	StopGrace time.Duration
}

func DefaultHlsConfig() HlsConfig {
	return HlsConfig{
		OutputDir:         "public/hls",
		PublicBaseURL:     "http://localhost:4000",
		ReadyPollInterval: 2 * time.Second,
		ReadyTimeout:      30 * time.Second,
		StopGrace:         5 * time.Second,
	}
}

type hlsService struct {
	config     HlsConfig
	router     ports.MediaRouter
	transcoder ports.Transcoder
	allocator  ports.PortAllocator
	streams    ports.HlsStreamRepository
	directory  ports.StreamDirectory
	peers      ports.PeerRepository
	notifier   ports.Notifier
	metrics    ports.MetricsRecorder
	locks      *keyedMutex
	logger     *zap.SugaredLogger

	background sync.WaitGroup

	// exiting holds segmenters that were signalled but have not exited yet,
	// keyed by stream id so a restart can wait for its predecessor.
	exitingMu sync.Mutex
	exiting   map[domain.StreamID]domain.TranscoderProcess
}

type HlsDependencies struct {
	Router     ports.MediaRouter
	Transcoder ports.Transcoder
	Ports      ports.PortAllocator
	Streams    ports.HlsStreamRepository
	Directory  ports.StreamDirectory
	Peers      ports.PeerRepository
	Notifier   ports.Notifier
	Metrics    ports.MetricsRecorder
}

func NewHlsService(config HlsConfig, deps HlsDependencies, logger *zap.SugaredLogger) ports.HlsService {
	defaults := DefaultHlsConfig()
	if config.ReadyPollInterval <= 0 {
		config.ReadyPollInterval = defaults.ReadyPollInterval
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaults.StopGrace
	}

	return &hlsService{
		config:     config,
		router:     deps.Router,
		transcoder: deps.Transcoder,
		allocator:  deps.Ports,
		streams:    deps.Streams,
		directory:  deps.Directory,
		peers:      deps.Peers,
		notifier:   orNoopNotifier(deps.Notifier),
		metrics:    orNoopMetrics(deps.Metrics),
		locks:      newKeyedMutex(),
		logger:     logger,
		exiting:    make(map[domain.StreamID]domain.TranscoderProcess),
	}
}

// StartHlsTranscoding taps producer into a new segmenter. A running stream for
// the same pair is torn down first. Any failure releases what was acquired.
func (s *hlsService) StartHlsTranscoding(ctx context.Context, peer *domain.Peer, producer domain.Producer) (*domain.HlsStream, error) {
	if producer.Kind() != domain.MediaKindVideo {
		return nil, fmt.Errorf("%w: hls requires video, got %s", domain.ErrInvalidKind, producer.Kind())
	}

	id := domain.NewStreamID(peer.ID, producer.ID())
	ctx, span := tracing.TraceHls(ctx, "start", string(id))
	defer span.End()

	unlock := s.locks.Lock(string(id))
	defer unlock()

	if existing, ok := s.streams.Get(id); ok {
		s.logger.Infow("replacing hls stream", "stream_id", id)
		s.stopAndWait(existing)
	}
	// A stream stopped just before this call may still have ffmpeg writing
	// into the directory Prepare is about to wipe.
	if previous, ok := s.exitingProcess(id); ok {
		s.logger.Infow("waiting for previous segmenter to exit", "stream_id", id, "pid", previous.PID())
		s.waitExit(id, previous)
	}

	port, err := s.allocator.Allocate()
	if err != nil {
		s.metrics.HlsStartFailed(FailurePortsExhausted)
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.PortKey.Int(port))

	stream := domain.NewHlsStream(peer.ID, producer.ID(), filepath.Join(s.config.OutputDir, string(id)), port)
	log := s.logger.With("stream_id", id, "rtp_port", port)

	fail := func(reason string, err error) (*domain.HlsStream, error) {
		s.teardown(stream)
		if rmErr := os.RemoveAll(stream.OutputDir); rmErr != nil {
			log.Warnw("failed to remove hls directory", "error", rmErr)
		}
		s.metrics.HlsStartFailed(reason)
		tracing.RecordError(ctx, err)
		log.Errorw("hls start failed", "reason", reason, "error", err)
		return nil, err
	}

	transport, err := s.router.CreatePlainTransport(ctx)
	if err != nil {
		return fail(FailureMediaEngine, fmt.Errorf("failed to create hls tap transport: %w", err))
	}
	stream.SetTransport(transport)

	consumer, err := transport.Consume(ctx, producer.ID(), s.router.RtpCapabilities())
	if err != nil {
		return fail(FailureMediaEngine, fmt.Errorf("failed to create hls tap consumer: %w", err))
	}
	stream.SetConsumer(consumer)

	job := ports.TranscodeJob{
		StreamID:      id,
		OutputDir:     stream.OutputDir,
		Kind:          consumer.Kind(),
		RtpPort:       port,
		RtpParameters: consumer.RtpParameters(),
	}

	if err := s.transcoder.Prepare(job); err != nil {
		return fail(FailurePrepare, fmt.Errorf("failed to prepare hls output: %w", err))
	}

	if err := transport.Connect(ctx, loopbackIP, port, stream.RtcpPort()); err != nil {
		return fail(FailureMediaEngine, fmt.Errorf("failed to connect hls tap: %w", err))
	}

	process, err := s.transcoder.Start(ctx, job)
	if err != nil {
		return fail(FailureSpawn, err)
	}
	stream.SetProcess(process)

	s.streams.Put(stream)
	if err := peer.AddHlsStream(stream); err != nil {
		s.streams.Remove(stream)
		return fail(FailurePeerClosed, err)
	}
	s.metrics.HlsStreamStarted()

	record := stream.Record(s.config.InstanceID, s.config.PublicBaseURL)
	if err := s.directory.Announce(ctx, record); err != nil {
		log.Warnw("failed to announce hls stream", "error", err)
	}
	if stream.Status() == domain.HlsStatusStopped {
		// Torn down while announcing; make sure the record does not linger.
		s.withdraw(stream.ID)
	}

	s.background.Add(2)
	go s.supervise(stream, process)
	go s.awaitPlaylist(stream, job.PlaylistPath())

	s.notifier.Broadcast(ctx, domain.NewHlsStreamEvent(record.Info(true)), "")

	log.Infow("hls stream started", "peer_id", peer.ID, "producer_id", producer.ID(), "pid", process.PID())
	return stream, nil
}

// StopHlsTranscoding signals the segmenter and releases the stream. It returns
// without waiting for the process to exit; a later start of the same stream
// waits for it.
func (s *hlsService) StopHlsTranscoding(stream *domain.HlsStream) {
	if stream == nil {
		return
	}
	if s.teardown(stream) {
		s.logger.Infow("hls stream stopped", "stream_id", stream.ID)
	}
}

func (s *hlsService) IsHlsStreamReady(id domain.StreamID) bool {
	stream, ok := s.streams.Get(id)
	if !ok || stream.Status() == domain.HlsStatusStopped {
		return false
	}
	_, err := os.Stat(filepath.Join(stream.OutputDir, domain.PlaylistFileName))
	return err == nil
}

func (s *hlsService) GetHlsStreamURL(id domain.StreamID) (string, error) {
	stream, ok := s.streams.Get(id)
	if !ok {
		return "", domain.ErrStreamNotFound
	}
	return s.config.PublicBaseURL + stream.PlaylistURL, nil
}

func (s *hlsService) GetStreamURLForProducer(producerID domain.ProducerID) (string, error) {
	stream, ok := s.streams.FindByProducer(producerID)
	if !ok {
		return "", domain.ErrStreamNotFound
	}
	return stream.PlaylistURL, nil
}

func (s *hlsService) GetActiveStreams() []*domain.HlsStream {
	result := []*domain.HlsStream{}
	for _, stream := range s.streams.List() {
		if stream.Status() != domain.HlsStatusStopped {
			result = append(result, stream)
		}
	}
	return result
}

// ListAvailableStreams lists announced streams. A local stream is active while
// its producer is still open; streams announced by other instances are
// reported active while the directory lists them, which for the shared
// directory means the announcing instance is still heartbeating.
func (s *hlsService) ListAvailableStreams(ctx context.Context) ([]domain.HlsStreamInfo, error) {
	records, err := s.directory.List(ctx)
	if err != nil {
		s.logger.Warnw("stream directory unavailable, listing local streams", "error", err)
		records = records[:0]
		for _, stream := range s.streams.List() {
			records = append(records, stream.Record(s.config.InstanceID, s.config.PublicBaseURL))
		}
	}

	result := []domain.HlsStreamInfo{}
	for _, record := range records {
		if record.InstanceID != s.config.InstanceID {
			result = append(result, record.Info(true))
			continue
		}
		stream, ok := s.streams.Get(record.StreamID)
		if !ok {
			continue
		}
		result = append(result, record.Info(s.producerOpen(ctx, stream)))
	}
	return result, nil
}

// StopAll tears down every stream and waits for the segmenters to exit.
func (s *hlsService) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, stream := range s.streams.List() {
		wg.Add(1)
		go func(stream *domain.HlsStream) {
			defer wg.Done()
			s.stopAndWait(stream)
		}(stream)
	}
	for id, process := range s.exitingProcesses() {
		wg.Add(1)
		go func(id domain.StreamID, process domain.TranscoderProcess) {
			defer wg.Done()
			s.waitExit(id, process)
		}(id, process)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all hls streams stopped")
	case <-ctx.Done():
		s.logger.Warnw("hls shutdown interrupted", "error", ctx.Err())
	}
}

func (s *hlsService) producerOpen(ctx context.Context, stream *domain.HlsStream) bool {
	if stream.Status() == domain.HlsStatusStopped {
		return false
	}
	peer, err := s.peers.GetByID(ctx, stream.PeerID)
	if err != nil {
		return false
	}
	producer, ok := peer.Producer(stream.ProducerID)
	return ok && !producer.Closed()
}

// teardown releases the stream's resources and unregisters it. Only the first
// call for a stream does anything; it reports whether this call did.
func (s *hlsService) teardown(stream *domain.HlsStream) bool {
	return stream.Teardown(func(transport domain.PlainTransport, consumer domain.Consumer, process domain.TranscoderProcess) {
		log := s.logger.With("stream_id", stream.ID)

		if process != nil {
			s.trackExit(stream.ID, process)
			if err := process.Stop(); err != nil {
				log.Warnw("failed to signal segmenter", "error", err)
			}
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				log.Warnw("failed to close hls tap consumer", "error", err)
			}
		}
		if transport != nil {
			if err := transport.Close(); err != nil {
				log.Warnw("failed to close hls tap transport", "error", err)
			}
		}
		s.allocator.Release(stream.RtpPort)

		if peer, err := s.peers.GetByID(context.Background(), stream.PeerID); err == nil {
			peer.RemoveHlsStream(stream)
		}

		if s.streams.Remove(stream) {
			s.withdraw(stream.ID)
			s.metrics.HlsStreamStopped()
			s.notifier.Broadcast(context.Background(), domain.StreamRemovedEvent(stream.ID), "")
		}
	})
}

func (s *hlsService) withdraw(id domain.StreamID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.directory.Withdraw(ctx, id); err != nil {
		s.logger.Warnw("failed to withdraw hls stream", "stream_id", id, "error", err)
	}
}

// stopAndWait tears the stream down and waits for its segmenter to exit,
// killing it after the grace period.
func (s *hlsService) stopAndWait(stream *domain.HlsStream) {
	s.teardown(stream)

	process := stream.Process()
	if process == nil {
		return
	}
	s.waitExit(stream.ID, process)
}

// waitExit waits up to StopGrace for a signalled segmenter, then kills it.
func (s *hlsService) waitExit(id domain.StreamID, process domain.TranscoderProcess) {
	defer s.forgetExit(id, process)

	select {
	case <-process.Done():
		return
	case <-time.After(s.config.StopGrace):
	}

	s.logger.Warnw("segmenter ignored stop, killing", "stream_id", id, "pid", process.PID())
	if err := process.Kill(); err != nil {
		s.logger.Warnw("failed to kill segmenter", "stream_id", id, "error", err)
	}
	select {
	case <-process.Done():
	case <-time.After(s.config.StopGrace):
		s.logger.Errorw("segmenter did not exit after kill", "stream_id", id, "pid", process.PID())
	}
}

func (s *hlsService) trackExit(id domain.StreamID, process domain.TranscoderProcess) {
	select {
	case <-process.Done():
		return
	default:
	}
	s.exitingMu.Lock()
	defer s.exitingMu.Unlock()
	s.exiting[id] = process
}

func (s *hlsService) forgetExit(id domain.StreamID, process domain.TranscoderProcess) {
	s.exitingMu.Lock()
	defer s.exitingMu.Unlock()
	if s.exiting[id] == process {
		delete(s.exiting, id)
	}
}

func (s *hlsService) exitingProcess(id domain.StreamID) (domain.TranscoderProcess, bool) {
	s.exitingMu.Lock()
	defer s.exitingMu.Unlock()
	process, ok := s.exiting[id]
	return process, ok
}

func (s *hlsService) exitingProcesses() map[domain.StreamID]domain.TranscoderProcess {
	s.exitingMu.Lock()
	defer s.exitingMu.Unlock()
	result := make(map[domain.StreamID]domain.TranscoderProcess, len(s.exiting))
	for id, process := range s.exiting {
		result[id] = process
	}
	return result
}

// supervise tears the stream down when its segmenter exits on its own. Crashed
// segmenters are not restarted.
func (s *hlsService) supervise(stream *domain.HlsStream, process domain.TranscoderProcess) {
	defer s.background.Done()

	<-process.Done()
	exit := process.Exit()

	torn := s.teardown(stream)
	s.forgetExit(stream.ID, process)
	if !torn {
		s.metrics.SegmenterExited(OutcomeStopped)
		return
	}

	if exit.Crashed() {
		s.metrics.SegmenterExited(OutcomeCrashed)
		s.logger.Warnw("segmenter crashed", "stream_id", stream.ID, "code", exit.Code, "error", exit.Err)
		return
	}
	s.metrics.SegmenterExited(OutcomeExited)
	s.logger.Infow("segmenter exited", "stream_id", stream.ID)
}

// awaitPlaylist marks the stream active once the segmenter has written its
// playlist. Timing out only logs.
func (s *hlsService) awaitPlaylist(stream *domain.HlsStream, path string) {
	defer s.background.Done()

	ticker := time.NewTicker(s.config.ReadyPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.config.ReadyTimeout)
	defer deadline.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			if stream.MarkActive() {
				s.logger.Infow("hls playlist ready", "stream_id", stream.ID, "url", stream.PlaylistURL)
			}
			return
		}

		select {
		case <-stream.Stopped():
			return
		case <-deadline.C:
			s.logger.Warnw("hls playlist not ready",
				"stream_id", stream.ID,
				"path", path,
				"timeout", s.config.ReadyTimeout,
			)
			return
		case <-ticker.C:
		}
	}
}
