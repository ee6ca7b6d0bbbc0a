// Live channel handler.
//
//   - GET /ws/chat/{room}   (WebSocket upgrade)
//
// Room and identity are resolved before the upgrade, in that order, so an
// unknown city is a plain 404 and a bad token a plain 401; no socket is ever
// opened for them. After the upgrade the relay.Connection owns the socket until it is
// closed.
package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/http/middleware"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
)

// WSOptions configures the upgrade endpoint.
type WSOptions struct {
	Rooms domain.RoomSet
	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// any origin. Requests without an Origin header (non-browser clients)
	// are always allowed.
	AllowedOrigins []string
	SendBuffer     int
	Conn           relay.ConnConfig
}

// WSHandler upgrades room connections and hands them to the relay.
type WSHandler struct {
	hub      *relay.Hub
	base     context.Context
	opts     WSOptions
	upgrader websocket.Upgrader
}

// NewWSHandler builds the handler. Connections are served under base, so
// cancelling it closes every live socket with "going away".
func NewWSHandler(base context.Context, hub *relay.Hub, opts WSOptions) *WSHandler {
	h := &WSHandler{hub: hub, base: base, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// KnownRoom rejects unknown rooms with 404. It runs ahead of authentication
// on the upgrade route.
func (h *WSHandler) KnownRoom() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.opts.Rooms.Lookup(c.Param("room")); !ok {
			fail(c, http.StatusNotFound, ErrCodeUnknownRoom, "unknown room")
			return
		}
		c.Next()
	}
}

// Connect upgrades GET /ws/chat/{room} to a WebSocket. Clients send
// {"content": "...", "client_msg_id": "..."} frames; every message stored in
// the room, the sender's own included, arrives as a ChatMessage frame.
// Browsers pass the bearer token as ?token= since they cannot set headers on
// the handshake.
func (h *WSHandler) Connect(c *gin.Context) {
	roomID, found := h.opts.Rooms.Lookup(c.Param("room"))
	if !found {
		fail(c, http.StatusNotFound, ErrCodeUnknownRoom, "unknown room")
		return
	}
	id, authed := middleware.IdentityFrom(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
		return
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		fail(c, http.StatusBadRequest, ErrCodeUpgradeRejected, "websocket upgrade required")
		return
	}

	lg := middleware.LoggerFrom(c)
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		lg.Debug().Err(err).Msg("websocket upgrade failed")
		c.Abort()
		return
	}

	sess := relay.NewSession(roomID, id.Author(), h.opts.SendBuffer)
	conn := relay.NewConnection(ws, h.hub, sess, h.opts.Conn, *lg)
	if err := conn.Serve(h.base); err != nil {
		lg.Warn().Err(err).Str("session_id", sess.ID).Msg("chat connection ended with error")
	}
}
