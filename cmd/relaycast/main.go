package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaycast/internal/core/ports"
	"relaycast/internal/core/services"
	httphandlers "relaycast/internal/handlers/http"
	"relaycast/internal/infrastructure/distributed"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/internal/infrastructure/monitoring"
	repositories "relaycast/internal/infrastructure/repositories"
	signalsrv "relaycast/internal/infrastructure/signal"
	"relaycast/internal/infrastructure/streaming"
	webrtcinfra "relaycast/internal/infrastructure/webrtc"
	"relaycast/pkg/config"
	"relaycast/pkg/logger"
	"relaycast/pkg/retry"
	"relaycast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// instanceWithdrawer is implemented by shared stream directories that can
// drop every listing of a stopped instance.
type instanceWithdrawer interface {
	WithdrawInstance(ctx context.Context, instanceID string) error
}

// instanceHeartbeater is implemented by shared stream directories that drop
// listings of instances which stop refreshing their liveness.
type instanceHeartbeater interface {
	Heartbeat(ctx context.Context, instanceID string) error
	InstanceTTL() time.Duration
}

func runHeartbeat(ctx context.Context, hb instanceHeartbeater, instanceID string, log *zap.SugaredLogger) {
	ticker := time.NewTicker(hb.InstanceTTL() / 3)
	defer ticker.Stop()
	for {
		if err := hb.Heartbeat(ctx, instanceID); err != nil && ctx.Err() == nil {
			log.Warnw("instance heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loadConfig() (*config.Config, error) {
	configPaths := []string{
		os.Getenv("RELAYCAST_CONFIG"),
		"configs/config.yaml",
		"/etc/relaycast/config.yaml",
		"config.yaml",
	}

	var lastErr error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	// No file anywhere: defaults plus environment overrides.
	return config.Load("")
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.Media.ICEServers))
	for _, s := range cfg.Media.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func main() {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		logger.New("info", "console").Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "relaycast",
		Exporter:     cfg.Tracing.Exporter,
		JaegerURL:    cfg.Tracing.JaegerURL,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Environment:  cfg.Tracing.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	// Repositories
	repoFactory := repositories.NewRepositoryFactory(rootCtx, cfg, log)
	peerRepo := repoFactory.CreatePeerRepository()
	streamRepo := repoFactory.CreateHlsStreamRepository()
	directory := repoFactory.CreateStreamDirectory()

	// Media
	router, err := webrtcinfra.NewRouter(webrtcinfra.RouterConfig{
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		ICEServers:  iceServers(cfg),
		PortRange: struct {
			Min uint16
			Max uint16
		}{
			Min: uint16(cfg.Media.UDPPortRange.Min),
			Max: uint16(cfg.Media.UDPPortRange.Max),
		},
	}, logger.NewPionFactory(zapLogger), log.Named("media"))
	if err != nil {
		log.Fatalw("failed to create media router", "error", err)
	}

	portPool, err := streaming.NewPortPool(cfg.HLS.RTPPortRange.Min, cfg.HLS.RTPPortRange.Max)
	if err != nil {
		log.Fatalw("failed to create rtp port pool", "error", err)
	}
	segmenter := streaming.NewSegmenter(streaming.SegmenterConfig{
		FFmpegPath:      cfg.HLS.FFmpegPath,
		SegmentDuration: cfg.HLS.SegmentDuration,
		ListSize:        cfg.HLS.ListSize,
	}, log.Named("ffmpeg"))

	if err := os.MkdirAll(cfg.HLS.OutputDir, 0o755); err != nil {
		log.Fatalw("failed to create hls output directory", "dir", cfg.HLS.OutputDir, "error", err)
	}

	// Monitoring
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	collector.RegisterPortPool(portPool)

	// Peers on this instance receive pushes through the hub; HLS listings are
	// mirrored to the rest of the cluster when Redis is available.
	hub := signalsrv.NewHub(log.Named("hub"))
	var notifier ports.Notifier = hub
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, instanceID, log.Named("cluster"))
		cluster := distributed.NewClusterNotifier(hub, bus, log.Named("cluster"))
		notifier = cluster

		go func() {
			err := retry.Do(rootCtx, retry.Config{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2,
				Jitter:       true,
				NonRetryable: []error{context.Canceled},
			}, func(ctx context.Context) error {
				err := bus.Subscribe(ctx, cluster.HandleRemote)
				if err == nil {
					err = errors.New("cluster subscription closed")
				}
				if ctx.Err() == nil {
					log.Warnw("cluster subscription lost, retrying", "error", err)
				}
				return err
			})
			if err != nil && rootCtx.Err() == nil {
				log.Errorw("cluster subscription stopped", "error", err)
			}
		}()
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(rootCtx)
	defer stopHeartbeat()
	if hb, ok := directory.(instanceHeartbeater); ok {
		go runHeartbeat(heartbeatCtx, hb, instanceID, log.Named("directory"))
	}

	// Services
	hlsService := services.NewHlsService(services.HlsConfig{
		OutputDir:         cfg.HLS.OutputDir,
		PublicBaseURL:     cfg.HLS.PublicBaseURL,
		InstanceID:        instanceID,
		ReadyPollInterval: cfg.HLS.ReadyPollInterval,
		ReadyTimeout:      cfg.HLS.ReadyTimeout,
		StopGrace:         cfg.HLS.StopGrace,
	}, services.HlsDependencies{
		Router:     router,
		Transcoder: segmenter,
		Ports:      portPool,
		Streams:    streamRepo,
		Directory:  directory,
		Peers:      peerRepo,
		Notifier:   notifier,
		Metrics:    collector,
	}, log.Named("hls"))
	sessionService := services.NewSessionService(peerRepo, hlsService, notifier, collector, log.Named("session"))
	transportService := services.NewTransportService(peerRepo, router, log.Named("transport"))
	producerService := services.NewProducerService(peerRepo, hlsService, notifier, collector, log.Named("producer"))
	consumerService := services.NewConsumerService(peerRepo, router, collector, log.Named("consumer"))
	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
	)

	// Health
	healthTimeout := cfg.Monitoring.HealthTimeout
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddFFmpegCheck(cfg.HLS.FFmpegPath, time.Minute, healthTimeout)
	healthChecker.AddPortPoolCheck(portPool, 15*time.Second, healthTimeout)
	healthChecker.AddOutputDirCheck(cfg.HLS.OutputDir, 30*time.Second, healthTimeout)
	healthChecker.AddDirectoryCheck(directory, 30*time.Second, healthTimeout)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 15*time.Second, healthTimeout)
	}
	healthChecker.StartBackgroundChecks(rootCtx)

	// Signaling
	signalServer := signalsrv.NewServer(signalsrv.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBufferSize: cfg.Signal.SendBufferSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, signalsrv.Services{
		Router:    router,
		Session:   sessionService,
		Transport: transportService,
		Producer:  producerService,
		Consumer:  consumerService,
		Hls:       hlsService,
	}, hub, log.Named("signal"))
	signalServer.SetMetrics(collector)
	signalServer.SetConnectionLimiter(middleware.NewConnectionLimiter(cfg))
	signalServer.SetMessageLimiter(func() *rate.Limiter {
		return middleware.NewMessageLimiter(cfg)
	})

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger), collector),
		middleware.CORSMiddleware(cfg.Auth.AllowedOrigins),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	engine.GET(cfg.Signal.Path,
		middleware.SignalAuthMiddleware(authService, cfg.Auth.Enabled),
		gin.WrapF(signalServer.HandleWebSocket),
	)

	httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(engine)
	httphandlers.NewHlsHandler(hlsService).SetupRoutes(engine)
	httphandlers.NewMediaHandler(router).SetupRoutes(engine)
	httphandlers.RegisterHlsFiles(engine, cfg.HLS.OutputDir)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"peers":     hub.Count(),
		})
	})

	engine.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := healthChecker.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     engine,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset: hijacked websocket connections manage
		// their own write deadlines.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting relaycast",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"hls_dir", cfg.HLS.OutputDir,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down relaycast...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// Closing the sockets runs the disconnect path for every peer.
	if err := signalServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("signal connections did not drain", "error", err)
	}
	hlsService.StopAll(shutdownCtx)

	stopHeartbeat()
	if withdrawer, ok := directory.(instanceWithdrawer); ok {
		if err := withdrawer.WithdrawInstance(shutdownCtx, instanceID); err != nil {
			log.Warnw("failed to withdraw stream listings", "error", err)
		}
	}

	stopBackground()

	if err := router.Close(); err != nil {
		log.Errorw("error closing media router", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("relaycast stopped")
}
