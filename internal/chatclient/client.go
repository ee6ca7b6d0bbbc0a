// Package chatclient is a reconnecting client for one city room. It keeps a
// live socket open, reconciles history on every (re)connect, and re-sends
// unacknowledged messages with their original client message id so the
// server's idempotency turns a resend into a replay.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
)

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 3 * time.Second

const (
	// maxHistoryPages bounds how far back a reconcile pages.
	maxHistoryPages = 10
	// maxHistoryLimit is the server's default page cap.
	maxHistoryLimit = 200
)

// State is the client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrNotRunning is returned by Send after Run has returned.
	ErrNotRunning = errors.New("chatclient: not running")
	// errRejected wraps a non-2xx handshake or history response.
	errRejected = errors.New("chatclient: rejected by server")
)

// Config describes where and as whom to connect.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// APIBasePath prefixes the REST routes; defaults to /api.
	APIBasePath string
	Room        string
	Token       string

	ReconnectDelay time.Duration
	HistoryLimit   int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zerolog.Logger

	// Callbacks run on the client's reader goroutine and must not block.
	OnMessage func(domain.ChatMessage)
	OnError   func(relay.ErrorBody)
	OnState   func(State)
}

type pending struct {
	key     string
	content string
}

// Client is safe for concurrent use; Send may be called from any goroutine.
type Client struct {
	cfg   Config
	base  *url.URL
	log   zerolog.Logger
	state atomic.Int32

	mu       sync.Mutex
	outbox   []pending // send order
	lastSeen int64
	conn     *websocket.Conn
	stopped  bool

	writeMu sync.Mutex
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("chatclient: base url must be http(s)://host, got %q", cfg.BaseURL)
	}
	cfg.Room = domain.NormalizeRoomID(cfg.Room)
	if cfg.Room == "" {
		return nil, errors.New("chatclient: room is required")
	}
	if cfg.APIBasePath == "" {
		cfg.APIBasePath = "/api"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.HistoryLimit > maxHistoryLimit {
		cfg.HistoryLimit = maxHistoryLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	lg := log.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	return &Client{
		cfg:  cfg,
		base: u,
		log:  lg.With().Str("room_id", cfg.Room).Logger(),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// LastSeen returns the highest message id delivered so far.
func (c *Client) LastSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Pending returns the client message ids not yet acknowledged.
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.outbox))
	for i, p := range c.outbox {
		out[i] = p.key
	}
	return out
}

// Send queues content under a fresh client message id and writes it now if
// connected. Queued messages survive reconnects until the server echoes
// them back or rejects them.
func (c *Client) Send(content string) (string, error) {
	key := uuid.NewString()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrNotRunning
	}
	c.outbox = append(c.outbox, pending{key: key, content: content})
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, pending{key: key, content: content}); err != nil {
			// stays queued; the reader notices the broken socket
			c.log.Debug().Err(err).Str("client_msg_id", key).Msg("send deferred")
		}
	}
	return key, nil
}

// Run connects and keeps reconnecting with a fixed delay until ctx is done.
// It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}()

	for {
		c.setState(StateConnecting)
		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("chat connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context) error {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL(), hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: handshake status %d", errRejected, resp.StatusCode)
		}
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	// live frames queue in the socket while history is fetched; both paths
	// go through deliver, which drops anything at or below lastSeen
	if err := c.reconcile(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	queued := append([]pending(nil), c.outbox...)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateConnected)
	c.log.Info().Int("resending", len(queued)).Msg("chat connected")

	for _, p := range queued {
		if err := c.write(conn, p); err != nil {
			return err
		}
	}
	return c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var probe struct {
			Error *relay.ErrorBody `json:"error"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			c.log.Debug().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		if probe.Error != nil {
			c.handleError(conn, *probe.Error)
			continue
		}
		var m domain.ChatMessage
		if err := json.Unmarshal(data, &m); err != nil || m.ID == 0 {
			continue
		}
		c.deliver([]domain.ChatMessage{m})
	}
}

// handleError drops rejected messages from the outbox. After a retryable
// error the queue is flushed again once the reconnect delay has passed.
func (c *Client) handleError(conn *websocket.Conn, e relay.ErrorBody) {
	if e.Retryable {
		time.AfterFunc(c.cfg.ReconnectDelay, func() { c.flush(conn) })
	} else if e.ClientMsgID != "" {
		c.ack(e.ClientMsgID)
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(e)
	}
}

// flush re-sends the outbox on conn if it is still the live connection.
func (c *Client) flush(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	queued := append([]pending(nil), c.outbox...)
	c.mu.Unlock()
	for _, p := range queued {
		if err := c.write(conn, p); err != nil {
			return
		}
	}
}

// deliver acknowledges echoed sends and hands over messages newer than
// lastSeen in id order.
func (c *Client) deliver(msgs []domain.ChatMessage) {
	var fresh []domain.ChatMessage
	c.mu.Lock()
	for _, m := range msgs {
		if m.ClientMsgID != "" {
			c.ackLocked(m.ClientMsgID)
		}
		if m.ID <= c.lastSeen {
			continue
		}
		c.lastSeen = m.ID
		fresh = append(fresh, m)
	}
	c.mu.Unlock()

	if c.cfg.OnMessage == nil {
		return
	}
	for _, m := range fresh {
		c.cfg.OnMessage(m)
	}
}

func (c *Client) ack(key string) {
	c.mu.Lock()
	c.ackLocked(key)
	c.mu.Unlock()
}

func (c *Client) ackLocked(key string) {
	for i, p := range c.outbox {
		if p.key == key {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return
		}
	}
}

// reconcile pages history backwards until it reaches lastSeen (or the
// start of the room) and delivers the gap in ascending order.
func (c *Client) reconcile(ctx context.Context) error {
	since := c.LastSeen()
	var gap []domain.ChatMessage
	var before int64
	for page := 0; page < maxHistoryPages; page++ {
		items, err := c.fetchHistory(ctx, before)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		var newer []domain.ChatMessage
		for _, m := range items {
			if m.ID > since {
				newer = append(newer, m)
			}
		}
		gap = append(newer, gap...)
		// a short page is not the end: the server may cap pages below
		// HistoryLimit
		if since == 0 || items[0].ID <= since+1 || items[0].ID <= 1 {
			break
		}
		before = items[0].ID
	}
	c.deliver(gap)
	return nil
}

func (c *Client) fetchHistory(ctx context.Context, beforeID int64) ([]domain.ChatMessage, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + c.cfg.APIBasePath + "/chat/" + url.PathEscape(c.cfg.Room) + "/messages"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.cfg.HistoryLimit))
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: history status %d", errRejected, resp.StatusCode)
	}
	var items []domain.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("chatclient: decode history: %w", err)
	}
	return items, nil
}

func (c *Client) write(conn *websocket.Conn, p pending) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(relay.InboundFrame{Content: p.content, ClientMsgID: p.key})
}

func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat/" + url.PathEscape(c.cfg.Room)
	u.RawQuery = ""
	return u.String()
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
