package streaming

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestSegmenter_Args(t *testing.T) {
	s := NewSegmenter(SegmenterConfig{}, zaptest.NewLogger(t).Sugar())
	job := ports.TranscodeJob{StreamID: "a_b", OutputDir: "/hls/a_b"}

	args := strings.Join(s.Args(job), " ")

	assert.True(t, strings.HasPrefix(args, "-nostats -loglevel warning -protocol_whitelist file,udp,rtp -i /hls/a_b/input.sdp"))
	assert.Contains(t, args, "-c:v libx264 -preset ultrafast -tune zerolatency")
	assert.Contains(t, args, "-hls_time 2 -hls_list_size 10")
	assert.Contains(t, args, "-hls_flags delete_segments+append_list")
	assert.Contains(t, args, "-hls_segment_filename /hls/a_b/segment_%03d.ts")
	assert.True(t, strings.HasSuffix(args, "/hls/a_b/playlist.m3u8"))
}

func TestSegmenter_PrepareWritesSDP(t *testing.T) {
	s := NewSegmenter(SegmenterConfig{}, zaptest.NewLogger(t).Sugar())
	dir := filepath.Join(t.TempDir(), "a_b")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte("stale"), 0o644))

	job := ports.TranscodeJob{
		StreamID:  "a_b",
		OutputDir: dir,
		Kind:      domain.MediaKindVideo,
		RtpPort:   20000,
		RtpParameters: domain.RtpParameters{
			Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
			Encodings: []domain.RtpEncodingParameters{{SSRC: 42}},
		},
	}
	require.NoError(t, s.Prepare(job))

	raw, err := os.ReadFile(job.SdpPath())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "m=video 20000 RTP/AVP 101")

	_, err = os.Stat(filepath.Join(dir, "segment_000.ts"))
	assert.True(t, os.IsNotExist(err), "stale segments are cleared")
}

func TestSegmenter_PrepareRejectsBadParameters(t *testing.T) {
	s := NewSegmenter(SegmenterConfig{}, zaptest.NewLogger(t).Sugar())
	dir := filepath.Join(t.TempDir(), "x")

	err := s.Prepare(ports.TranscodeJob{OutputDir: dir, Kind: domain.MediaKindVideo})
	assert.ErrorIs(t, err, domain.ErrInvalidRtpParameters)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSegmenter_SpawnFailure(t *testing.T) {
	s := NewSegmenter(SegmenterConfig{FFmpegPath: filepath.Join(t.TempDir(), "missing")}, zaptest.NewLogger(t).Sugar())

	_, err := s.Start(context.Background(), ports.TranscodeJob{OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, domain.ErrTranscoderSpawn)
}

func TestSegmenter_SpawnBreakerOpens(t *testing.T) {
	s := NewSegmenter(SegmenterConfig{
		FFmpegPath:   filepath.Join(t.TempDir(), "missing"),
		SpawnBreaker: circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour},
	}, zaptest.NewLogger(t).Sugar())

	job := ports.TranscodeJob{OutputDir: t.TempDir()}
	for i := 0; i < 2; i++ {
		_, err := s.Start(context.Background(), job)
		require.ErrorIs(t, err, domain.ErrTranscoderSpawn)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	_, err := s.Start(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrTranscoderSpawn)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestSegmenter_ReportsExit(t *testing.T) {
	bin := fakeFFmpeg(t, "echo starting >&2\nexit 3")
	s := NewSegmenter(SegmenterConfig{FFmpegPath: bin}, zaptest.NewLogger(t).Sugar())

	proc, err := s.Start(context.Background(), ports.TranscodeJob{StreamID: "x", OutputDir: t.TempDir()})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, proc.Exit().Code)
	assert.True(t, proc.Exit().Crashed())
	assert.NoError(t, proc.Stop(), "stopping an exited process is a no-op")
}

func TestSegmenter_DrainsCarriageReturnOutput(t *testing.T) {
	bin := fakeFFmpeg(t, `i=0
while [ $i -lt 3000 ]; do
  printf 'frame=%5d fps=30 q=23.0 size=1024kB time=00:00:10.00 bitrate=838.9kbits/s speed=1.0x    \r' $i >&2
  i=$((i+1))
done
exit 0`)
	s := NewSegmenter(SegmenterConfig{FFmpegPath: bin}, zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)).Sugar())

	proc, err := s.Start(context.Background(), ports.TranscodeJob{StreamID: "x", OutputDir: t.TempDir()})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		_ = proc.Kill()
		t.Fatal("segmenter blocked writing progress output")
	}
	assert.Equal(t, 0, proc.Exit().Code)
}

func TestScanOutputLines(t *testing.T) {
	input := "first\rsecond\nthird\r\n" + strings.Repeat("x", maxOutputLine+10)

	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 16), maxOutputLine)
	scanner.Split(scanOutputLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 6)
	assert.Equal(t, []string{"first", "second", "third", ""}, lines[:4])
	assert.Len(t, lines[4], maxOutputLine)
	assert.Len(t, lines[5], 10)
}

func TestSegmenter_StopTerminates(t *testing.T) {
	bin := fakeFFmpeg(t, "exec sleep 30")
	s := NewSegmenter(SegmenterConfig{FFmpegPath: bin}, zaptest.NewLogger(t).Sugar())

	proc, err := s.Start(context.Background(), ports.TranscodeJob{StreamID: "x", OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Greater(t, proc.PID(), 0)

	require.NoError(t, proc.Stop())

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process ignored SIGTERM")
	}
}
