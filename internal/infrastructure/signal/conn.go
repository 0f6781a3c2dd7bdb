package signal

import (
	"encoding/json"
	"sync"
	"time"

	"relaycast/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// incoming is a client request. ID is echoed back untouched so clients may
// use numbers or strings.
type incoming struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outgoing is a reply (ID set) or a push (ID empty).
type outgoing struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  interface{}     `json:"data"`
}

// conn owns one websocket. All writes go through the out queue and the
// single writer goroutine.
type conn struct {
	peerID domain.PeerID
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}
	once   sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func newConn(peerID domain.PeerID, ws *websocket.Conn, cfg Config, logger *zap.SugaredLogger) *conn {
	return &conn{
		peerID:       peerID,
		ws:           ws,
		out:          make(chan []byte, cfg.SendBufferSize),
		done:         make(chan struct{}),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

func (c *conn) send(msg outgoing) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("failed to encode frame", "peer_id", c.peerID, "event", msg.Event, "error", err)
		return false
	}
	return c.enqueue(frame)
}

// enqueue never blocks. A client that cannot keep up with its queue is
// disconnected.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warnw("send queue full, closing connection", "peer_id", c.peerID)
		c.close()
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *conn) closed() <-chan struct{} {
	return c.done
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugw("write failed", "peer_id", c.peerID, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugw("ping failed", "peer_id", c.peerID, "error", err)
				c.close()
				return
			}

		case <-c.done:
			deadline := time.Now().Add(c.writeTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}
