package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/middleware"
	apperrors "relaycast/pkg/errors"
	"relaycast/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Services are the core services the gateway dispatches to.
type Services struct {
	Router    ports.MediaRouter
	Session   ports.SessionService
	Transport ports.TransportService
	Producer  ports.ProducerService
	Consumer  ports.ConsumerService
	Hls       ports.HlsService
}

// Metrics is the subset of the collector the gateway reports to.
type Metrics interface {
	RecordSignalMessage(event, status string, duration time.Duration)
	SignalConnectionOpened()
	SignalConnectionClosed()
}

type Server struct {
	config   Config
	services Services
	hub      *Hub
	upgrader websocket.Upgrader
	handlers map[string]handler

	metrics        Metrics
	connLimiter    *middleware.ConnectionLimiter
	messageLimiter func() *rate.Limiter

	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

func NewServer(config Config, services Services, hub *Hub, logger *zap.SugaredLogger) *Server {
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}

	s := &Server{
		config:   config,
		services: services,
		hub:      hub,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(config.AllowedOrigins, origin)
		},
	}
	s.handlers = s.routes()
	return s
}

func (s *Server) SetMetrics(metrics Metrics) {
	s.metrics = metrics
}

// SetConnectionLimiter caps concurrently open connections.
func (s *Server) SetConnectionLimiter(limiter *middleware.ConnectionLimiter) {
	s.connLimiter = limiter
}

// SetMessageLimiter installs a factory for per-connection request limiters.
// A nil limiter from the factory disables limiting for that connection.
func (s *Server) SetMessageLimiter(factory func() *rate.Limiter) {
	s.messageLimiter = factory
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	release := func() {}
	if s.connLimiter != nil {
		var ok bool
		release, ok = s.connLimiter.Acquire()
		if !ok {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	peerID := domain.PeerID(uuid.NewString())
	if _, err := s.services.Session.Connect(ctx, peerID); err != nil {
		s.logger.Errorw("failed to register peer", "peer_id", peerID, "error", err)
		_ = ws.Close()
		return
	}

	c := newConn(peerID, ws, s.config, s.logger)
	s.hub.register(c)
	if s.metrics != nil {
		s.metrics.SignalConnectionOpened()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	s.logger.Infow("peer connected", "peer_id", peerID, "remote", r.RemoteAddr)
	c.send(outgoing{
		Event: string(domain.EventConnected),
		Data:  domain.PeerPayload{SocketID: peerID},
	})

	inflight := s.readLoop(ctx, c)

	c.close()
	inflight.Wait()
	s.hub.unregister(c)
	if err := s.services.Session.Disconnect(context.WithoutCancel(ctx), peerID); err != nil {
		s.logger.Warnw("disconnect cleanup failed", "peer_id", peerID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.SignalConnectionClosed()
	}
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

// readLoop reads requests until the socket fails and returns the group of
// handlers still running.
func (s *Server) readLoop(ctx context.Context, c *conn) *sync.WaitGroup {
	var inflight sync.WaitGroup

	var limiter *rate.Limiter
	if s.messageLimiter != nil {
		limiter = s.messageLimiter()
	}

	if s.config.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.config.MaxMessageSize)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debugw("read failed", "peer_id", c.peerID, "error", err)
			}
			return &inflight
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			c.send(outgoing{Event: "error", Data: errorReply("malformed message")})
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.record(msg.Event, "rate_limited", 0)
			c.send(outgoing{ID: msg.ID, Event: msg.Event, Data: errorReply("rate limit exceeded")})
			continue
		}

		inflight.Add(1)
		go func(msg incoming) {
			defer inflight.Done()
			s.dispatch(ctx, c, msg)
		}(msg)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, msg incoming) {
	start := time.Now()

	h, ok := s.handlers[msg.Event]
	if !ok {
		s.record("unknown", "error", time.Since(start))
		c.send(outgoing{ID: msg.ID, Event: msg.Event, Data: errorReply("unknown event " + msg.Event)})
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, msg.Event, string(c.peerID))
	defer span.End()

	result, err := h.fn(ctx, c.peerID, msg.Data)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.record(msg.Event, "error", time.Since(start))
		s.logger.Infow("request failed",
			"peer_id", c.peerID,
			"event", msg.Event,
			"error", err,
		)
		if h.plainError {
			c.send(outgoing{ID: msg.ID, Event: msg.Event, Data: "error"})
			return
		}
		c.send(outgoing{ID: msg.ID, Event: msg.Event, Data: replyForError(err)})
		return
	}

	tracing.SetSpanStatus(ctx, codes.Ok, "")
	s.record(msg.Event, "ok", time.Since(start))
	c.send(outgoing{ID: msg.ID, Event: msg.Event, Data: result})
}

func (s *Server) record(event, status string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSignalMessage(event, status, d)
	}
}

// Shutdown closes every connection and waits for the writers to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type errorPayload struct {
	Error string              `json:"error"`
	Code  apperrors.ErrorCode `json:"code,omitempty"`
}

func errorReply(message string) errorPayload {
	return errorPayload{Error: message, Code: apperrors.ErrCodeInvalidInput}
}

func replyForError(err error) errorPayload {
	appErr := apperrors.FromDomain(err)
	message := err.Error()
	if apperrors.IsAppError(err) || appErr.Code == apperrors.ErrCodeInternal {
		message = appErr.Message
	}
	return errorPayload{Error: message, Code: appErr.Code}
}
