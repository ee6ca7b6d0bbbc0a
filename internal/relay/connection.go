package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/pulse-chat-relay/internal/services"
)

// State is a connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ConnConfig holds keepalive, framing, and inbound rate settings.
type ConnConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// MaxFrameBytes is an abuse cap on a single inbound frame; a larger frame
	// closes the socket with 1009. It must stay well above the largest valid
	// encoded message so oversized content gets a content_too_long frame.
	MaxFrameBytes int64
	RateRPS       float64
	RateBurst     int
}

// DefaultConnConfig mirrors the server's configuration defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		PingInterval:  30 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		MaxFrameBytes: 64 << 10,
		RateRPS:       2,
		RateBurst:     5,
	}
}

// Connection drives one upgraded WebSocket through
// CONNECTING → OPEN → CLOSING → CLOSED. Identity and room are resolved
// before the upgrade; the session is built from them.
type Connection struct {
	ws      *websocket.Conn
	session *Session
	hub     *Hub
	cfg     ConnConfig
	limiter *rate.Limiter
	log     zerolog.Logger

	state       atomic.Int32
	opened      bool
	cleanupOnce sync.Once
	writerDone  chan struct{}
}

// NewConnection wraps an upgraded socket. Nothing is registered until Serve.
func NewConnection(ws *websocket.Conn, hub *Hub, session *Session, cfg ConnConfig, logger zerolog.Logger) *Connection {
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateRPS > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RateRPS), burst)
	}
	return &Connection{
		ws:      ws,
		session: session,
		hub:     hub,
		cfg:     cfg,
		limiter: lim,
		log: logger.With().
			Str("session_id", session.ID).
			Str("room_id", session.RoomID()).
			Str("user_id", session.UserID).
			Logger(),
		writerDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Session returns the connection's session.
func (c *Connection) Session() *Session { return c.session }

// Serve registers the session, runs the read and write pumps, and returns
// when the connection is CLOSED. Cancelling ctx closes the connection with
// "going away". Registry cleanup runs exactly once on every exit path,
// panics included.
func (c *Connection) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("chat connection panic")
			err = fmt.Errorf("relay: connection panic: %v", r)
		}
		c.cleanup()
	}()

	if err := c.hub.registry.Join(c.session.RoomID(), c.session); err != nil {
		c.session.CloseWith(websocket.ClosePolicyViolation, "unknown room")
		go c.writePump()
		return err
	}
	c.opened = true
	c.state.Store(int32(StateOpen))
	connectionsActive.Inc()
	c.log.Info().Msg("chat connection open")

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.session.CloseWith(websocket.CloseGoingAway, "server shutting down")
		case <-c.session.Done():
		}
	}()

	return c.readPump(ctx)
}

// readPump handles inbound frames until the peer goes away, a transport
// error occurs, or a frame forces a close.
func (c *Connection) readPump(ctx context.Context) error {
	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("chat connection read error")
			}
			return nil
		}
		if err := c.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

// handleFrame validates and publishes one inbound frame. Validation and
// persistence failures are answered to this connection only. A non-nil
// return closes the connection.
func (c *Connection) handleFrame(ctx context.Context, data []byte) error {
	if !c.limiter.Allow() {
		c.reply(ErrorFrameFor(errRateLimited, ""))
		return nil
	}

	in, err := DecodeInbound(data)
	if err != nil {
		c.reply(ErrorFrameFor(err, ""))
		return nil
	}
	if in.UserID != "" && in.UserID != c.session.UserID {
		c.log.Warn().Str("claimed_user_id", in.UserID).Msg("chat frame identity mismatch")
		c.reply(ErrorFrameFor(services.ErrIdentityMismatch, in.ClientMsgID))
		c.session.CloseWith(websocket.ClosePolicyViolation, "identity mismatch")
		return services.ErrIdentityMismatch
	}
	if in.Username != "" && in.Username != c.session.DisplayName {
		c.log.Debug().Str("claimed_username", in.Username).Msg("ignoring payload display name")
	}

	msg, replayed, err := c.hub.Publish(ctx, Post{
		RoomID:      c.session.RoomID(),
		Author:      c.session.Author(),
		Content:     in.Content,
		ClientMsgID: in.ClientMsgID,
	})
	switch {
	case err == nil:
	case services.IsValidation(err), services.IsRetryable(err):
		c.reply(ErrorFrameFor(err, in.ClientMsgID))
		return nil
	default:
		c.log.Error().Err(err).Msg("chat publish failed")
		c.reply(ErrorFrameFor(err, in.ClientMsgID))
		return nil
	}
	if replayed {
		// only the resending client needs the original back
		c.reply(msg)
	}
	return nil
}

func (c *Connection) reply(v any) {
	if err := c.session.Deliver(encodeFrame(v)); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.log.Debug().Err(err).Msg("dropping reply")
	}
}

// writePump is the socket's only writer. It drains the session queue, pings
// on an interval, and on session close flushes pending frames and sends the
// close frame before closing the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.session.Outbound():
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.session.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.session.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.session.Done():
			c.flush()
			code, reason := c.session.closeStatus()
			if code != websocket.CloseAbnormalClosure {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			}
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case frame := <-c.session.Outbound():
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(kind int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(kind, data)
}

// cleanup leaves the registry, closes the session, waits briefly for the
// writer to send the close frame, and closes the socket.
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.hub.registry.Leave(c.session.ID)
		c.session.Close()

		select {
		case <-c.writerDone:
		case <-time.After(c.cfg.WriteWait):
		}
		c.ws.Close()

		if c.opened {
			connectionsActive.Dec()
			c.log.Info().
				Dur("duration", time.Since(c.session.ConnectedAt)).
				Msg("chat connection closed")
		}
		c.state.Store(int32(StateClosed))
	})
}
