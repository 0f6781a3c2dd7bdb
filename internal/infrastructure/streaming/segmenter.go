package streaming

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// SegmenterConfig holds the ffmpeg invocation settings.
type SegmenterConfig struct {
	FFmpegPath      string
	SegmentDuration time.Duration
	ListSize        int

	// SpawnBreaker guards process creation; consecutive spawn failures make
	// further starts fail fast until the breaker lets a trial spawn through.
	SpawnBreaker circuitbreaker.Config
}

// Segmenter runs one ffmpeg process per HLS stream, reading the tap described
// by input.sdp and writing a sliding mpegts playlist next to it.
type Segmenter struct {
	config  SegmenterConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewSegmenter(config SegmenterConfig, logger *zap.SugaredLogger) *Segmenter {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = 2 * time.Second
	}
	if config.ListSize <= 0 {
		config.ListSize = 10
	}
	breaker := circuitbreaker.New(config.SpawnBreaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("segmenter spawn breaker changed state", "from", from, "to", to)
	})
	return &Segmenter{
		config:  config,
		breaker: breaker,
		logger:  logger,
	}
}

var _ ports.Transcoder = (*Segmenter)(nil)

// Args builds the ffmpeg command line for job.
func (s *Segmenter) Args(job ports.TranscodeJob) []string {
	hlsTime := int(s.config.SegmentDuration / time.Second)
	if hlsTime < 1 {
		hlsTime = 1
	}

	return []string{
		"-nostats",
		"-loglevel", "warning",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", job.SdpPath(),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-pix_fmt", "yuv420p",
		"-r", "30",
		"-g", "60",
		"-c:a", "aac",
		"-ar", "48000",
		"-b:a", "128k",
		"-hls_time", strconv.Itoa(hlsTime),
		"-hls_list_size", strconv.Itoa(s.config.ListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(job.OutputDir, domain.SegmentPattern),
		filepath.Join(job.OutputDir, domain.PlaylistFileName),
	}
}

// Prepare creates the stream directory, clearing output of a previous run, and
// writes input.sdp for the tap.
func (s *Segmenter) Prepare(job ports.TranscodeJob) error {
	description, err := BuildSDP(job.Kind, job.RtpPort, job.RtpParameters)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(job.OutputDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", job.OutputDir, err)
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", job.OutputDir, err)
	}
	if err := os.WriteFile(job.SdpPath(), description, 0o644); err != nil {
		return fmt.Errorf("failed to write sdp: %w", err)
	}

	s.logger.Debugw("wrote segmenter input", "stream_id", job.StreamID, "path", job.SdpPath(), "port", job.RtpPort)
	return nil
}

// Start spawns ffmpeg. The process outlives ctx; ctx only aborts a start that
// has not happened yet.
func (s *Segmenter) Start(ctx context.Context, job ports.TranscodeJob) (domain.TranscoderProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTranscoderSpawn, err)
	}

	var (
		cmd            *exec.Cmd
		stdout, stderr io.ReadCloser
	)
	err := s.breaker.Execute(func() error {
		cmd = exec.Command(s.config.FFmpegPath, s.Args(job)...)
		cmd.Dir = job.OutputDir

		var err error
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return err
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return err
		}
		return cmd.Start()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTranscoderSpawn, err)
	}

	proc := &ffmpegProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	log := s.logger.With("stream_id", job.StreamID, "pid", cmd.Process.Pid)
	log.Infow("segmenter started", "args", cmd.Args[1:])

	var output sync.WaitGroup
	output.Add(2)
	go s.pipeOutput(&output, stdout, log, "stdout")
	go s.pipeOutput(&output, stderr, log, "stderr")

	go func() {
		output.Wait()
		proc.finish(cmd.Wait())
		exit := proc.Exit()
		log.Infow("segmenter exited", "code", exit.Code, "error", exit.Err)
	}()

	return proc, nil
}

// maxOutputLine bounds a single logged ffmpeg line; longer lines are split.
const maxOutputLine = 64 * 1024

func (s *Segmenter) pipeOutput(wg *sync.WaitGroup, r io.Reader, log *zap.SugaredLogger, stream string) {
	defer wg.Done()
	// Whatever the scanner leaves is drained so ffmpeg never blocks on a full pipe.
	defer io.Copy(io.Discard, r)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxOutputLine)
	scanner.Split(scanOutputLines)
	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			log.Debugw("segmenter output", "pipe", stream, "line", string(line))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugw("segmenter output unreadable, discarding", "pipe", stream, "error", err)
	}
}

// scanOutputLines splits on \n or \r. ffmpeg terminates progress lines with
// a bare carriage return. A line longer than the buffer is emitted in pieces.
func scanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF || len(data) >= maxOutputLine {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type ffmpegProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	exit domain.ProcessExit
}

func (p *ffmpegProcess) PID() int {
	return p.cmd.Process.Pid
}

// Stop asks ffmpeg to finish the current segment and exit.
func (p *ffmpegProcess) Stop() error {
	return p.signal(syscall.SIGTERM)
}

func (p *ffmpegProcess) Kill() error {
	return p.signal(os.Kill)
}

func (p *ffmpegProcess) signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *ffmpegProcess) Done() <-chan struct{} {
	return p.done
}

func (p *ffmpegProcess) Exit() domain.ProcessExit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *ffmpegProcess) finish(waitErr error) {
	exit := domain.ProcessExit{ExitedAt: time.Now()}
	if p.cmd.ProcessState != nil {
		exit.Code = p.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		exit.Err = fmt.Errorf("%w: %v", domain.ErrTranscoderExited, waitErr)
	}

	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()
	close(p.done)
}
