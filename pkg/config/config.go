package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	Media struct {
		ListenIP     string      `yaml:"listen_ip"`
		AnnouncedIP  string      `yaml:"announced_ip"`
		ICEServers   []ICEServer `yaml:"ice_servers"`
		UDPPortRange PortRange   `yaml:"udp_port_range"`
	} `yaml:"media"`

	HLS struct {
		OutputDir         string        `yaml:"output_dir"`
		PublicBaseURL     string        `yaml:"public_base_url"`
		FFmpegPath        string        `yaml:"ffmpeg_path"`
		SegmentDuration   time.Duration `yaml:"segment_duration"`
		ListSize          int           `yaml:"list_size"`
		RTPPortRange      PortRange     `yaml:"rtp_port_range"`
		ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
		ReadyTimeout      time.Duration `yaml:"ready_timeout"`
		StopGrace         time.Duration `yaml:"stop_grace"`
	} `yaml:"hls"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsPath       string        `yaml:"metrics_path"`
		HealthTimeout     time.Duration `yaml:"health_timeout"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled         bool          `yaml:"enabled"`
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		Exporter     string  `yaml:"exporter"`
		JaegerURL    string  `yaml:"jaeger_url"`
		OTLPEndpoint string  `yaml:"otlp_endpoint"`
		Environment  string  `yaml:"environment"`
		SampleRate   float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// Media
	if c.Media.ListenIP == "" {
		return fmt.Errorf("media.listen_ip must not be empty")
	}
	if err := c.Media.UDPPortRange.validate("media.udp_port_range", true); err != nil {
		return err
	}

	// HLS
	if c.HLS.OutputDir == "" {
		return fmt.Errorf("hls.output_dir must not be empty")
	}
	if c.HLS.FFmpegPath == "" {
		return fmt.Errorf("hls.ffmpeg_path must not be empty")
	}
	if c.HLS.SegmentDuration < time.Second {
		return fmt.Errorf("hls.segment_duration must be >= 1s")
	}
	if c.HLS.ListSize <= 0 {
		return fmt.Errorf("hls.list_size must be > 0")
	}
	if err := c.HLS.RTPPortRange.validate("hls.rtp_port_range", false); err != nil {
		return err
	}
	if c.HLS.RTPPortRange.Max-c.HLS.RTPPortRange.Min < 1 {
		return fmt.Errorf("hls.rtp_port_range must hold at least one port pair")
	}
	if c.HLS.ReadyPollInterval <= 0 {
		return fmt.Errorf("hls.ready_poll_interval must be > 0")
	}
	if c.HLS.ReadyTimeout < c.HLS.ReadyPollInterval {
		return fmt.Errorf("hls.ready_timeout must be >= hls.ready_poll_interval")
	}
	if c.HLS.StopGrace <= 0 {
		return fmt.Errorf("hls.stop_grace must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}
	if c.Monitoring.HealthTimeout <= 0 {
		return fmt.Errorf("monitoring.health_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "jaeger":
			if c.Tracing.JaegerURL == "" {
				return fmt.Errorf("tracing.jaeger_url must not be empty when exporter=jaeger")
			}
		case "otlp":
			if c.Tracing.OTLPEndpoint == "" {
				return fmt.Errorf("tracing.otlp_endpoint must not be empty when exporter=otlp")
			}
		default:
			return fmt.Errorf("tracing.exporter must be jaeger or otlp")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

func (r PortRange) validate(key string, optional bool) error {
	if optional && r.Min == 0 && r.Max == 0 {
		return nil
	}
	if r.Min <= 0 || r.Max <= 0 {
		return fmt.Errorf("%s.min and max must both be set", key)
	}
	if r.Max > 65535 {
		return fmt.Errorf("%s.max must be <= 65535", key)
	}
	if r.Min >= r.Max {
		return fmt.Errorf("%s.min must be < max", key)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first if present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":4000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 64

	cfg.Media.ListenIP = "0.0.0.0"
	cfg.Media.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Media.UDPPortRange = PortRange{Min: 60000, Max: 65535}

	cfg.HLS.OutputDir = "public/hls"
	cfg.HLS.PublicBaseURL = "http://localhost:4000"
	cfg.HLS.FFmpegPath = "ffmpeg"
	cfg.HLS.SegmentDuration = 2 * time.Second
	cfg.HLS.ListSize = 10
	cfg.HLS.RTPPortRange = PortRange{Min: 10000, Max: 59999}
	cfg.HLS.ReadyPollInterval = 2 * time.Second
	cfg.HLS.ReadyTimeout = 30 * time.Second
	cfg.HLS.StopGrace = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.HealthTimeout = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour // 7 days
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.Exporter = "jaeger"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.OTLPEndpoint = "localhost:4318"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strings := map[string]*string{
		"RELAYCAST_SERVER_ADDRESS":   &c.Server.Address,
		"RELAYCAST_LOG_LEVEL":        &c.Logging.Level,
		"RELAYCAST_LOG_FORMAT":       &c.Logging.Format,
		"RELAYCAST_JWT_SECRET":       &c.Auth.JWTSecret,
		"RELAYCAST_ANNOUNCED_IP":     &c.Media.AnnouncedIP,
		"RELAYCAST_HLS_OUTPUT_DIR":   &c.HLS.OutputDir,
		"RELAYCAST_HLS_BASE_URL":     &c.HLS.PublicBaseURL,
		"RELAYCAST_FFMPEG_PATH":      &c.HLS.FFmpegPath,
		"RELAYCAST_REDIS_ADDRESS":    &c.Redis.Address,
		"RELAYCAST_REDIS_PASSWORD":   &c.Redis.Password,
		"RELAYCAST_TRACING_EXPORTER": &c.Tracing.Exporter,
		"RELAYCAST_OTLP_ENDPOINT":    &c.Tracing.OTLPEndpoint,
	}
	for key, target := range strings {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	flags := map[string]*bool{
		"RELAYCAST_REDIS_ENABLED":   &c.Redis.Enabled,
		"RELAYCAST_AUTH_ENABLED":    &c.Auth.Enabled,
		"RELAYCAST_TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for key, target := range flags {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	return nil
}
