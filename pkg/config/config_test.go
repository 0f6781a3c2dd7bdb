package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, validBaseConfig().Validate())
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong timeout not above ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero send buffer", func(c *Config) { c.Signal.SendBufferSize = 0 }},
		{"inverted udp range", func(c *Config) { c.Media.UDPPortRange = PortRange{Min: 50000, Max: 40000} }},
		{"empty hls output dir", func(c *Config) { c.HLS.OutputDir = "" }},
		{"empty ffmpeg path", func(c *Config) { c.HLS.FFmpegPath = "" }},
		{"short segment duration", func(c *Config) { c.HLS.SegmentDuration = 500 * time.Millisecond }},
		{"missing rtp port range", func(c *Config) { c.HLS.RTPPortRange = PortRange{} }},
		{"rtp port range too large", func(c *Config) { c.HLS.RTPPortRange = PortRange{Min: 60000, Max: 70000} }},
		{"ready timeout below poll interval", func(c *Config) { c.HLS.ReadyTimeout = time.Second }},
		{"zero stop grace", func(c *Config) { c.HLS.StopGrace = 0 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = 0 }},
		{"unknown tracing exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }},
		{"tracing sample rate out of range", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "config.yaml")
	yamlData := []byte(`
server:
  address: ":9000"
hls:
  output_dir: /var/hls
  rtp_port_range:
    min: 30000
    max: 30100
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, yamlData, 0o644))

	t.Setenv("RELAYCAST_LOG_LEVEL", "warn")
	t.Setenv("RELAYCAST_REDIS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "/var/hls", cfg.HLS.OutputDir)
	assert.Equal(t, PortRange{Min: 30000, Max: 30100}, cfg.HLS.RTPPortRange)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Redis.Enabled)
	// untouched sections keep their defaults
	assert.Equal(t, "ffmpeg", cfg.HLS.FFmpegPath)
	assert.Equal(t, 2*time.Second, cfg.HLS.SegmentDuration)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RELAYCAST_ANNOUNCED_IP=203.0.113.7\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("RELAYCAST_ANNOUNCED_IP") })

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", cfg.Media.AnnouncedIP)
}

func TestLoad_RejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [not, a, map]\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	t.Setenv("RELAYCAST_AUTH_ENABLED", "sometimes")
	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
