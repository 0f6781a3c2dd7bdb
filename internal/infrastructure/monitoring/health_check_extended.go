package monitoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"relaycast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddFFmpegCheck verifies the segmenter binary can be found.
func (h *HealthChecker) AddFFmpegCheck(path string, interval, timeout time.Duration) {
	h.AddCheck("ffmpeg", func(ctx context.Context) (bool, error) {
		if _, err := exec.LookPath(path); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPortPoolCheck fails while no RTP port pair is free.
func (h *HealthChecker) AddPortPoolCheck(pool PortUsage, interval, timeout time.Duration) {
	h.AddCheck("rtp_ports", func(ctx context.Context) (bool, error) {
		if pool.InUse() >= pool.Capacity() {
			return false, fmt.Errorf("all %d rtp port pairs in use", pool.Capacity())
		}
		return true, nil
	}, interval, timeout)
}

// AddOutputDirCheck verifies the HLS root exists and is a directory.
func (h *HealthChecker) AddOutputDirCheck(dir string, interval, timeout time.Duration) {
	h.AddCheck("hls_output", func(ctx context.Context) (bool, error) {
		info, err := os.Stat(dir)
		if err != nil {
			return false, err
		}
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return true, nil
	}, interval, timeout)
}

// AddDirectoryCheck lists the stream directory as a health check.
func (h *HealthChecker) AddDirectoryCheck(directory ports.StreamDirectory, interval, timeout time.Duration) {
	h.AddCheck("stream_directory", func(ctx context.Context) (bool, error) {
		if _, err := directory.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}
