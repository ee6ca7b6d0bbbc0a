// Chat room HTTP handlers.
//
// This file exposes the read side of the city rooms:
//   - GET /chat/rooms               (room list with live presence)
//   - GET /chat/{room}/messages     (history page, weak ETag support)
//   - GET /chat/{room}/presence     (live socket count)
//
// Handlers are transport-thin: they resolve the room, call the message store
// or registry, and translate results into HTTP responses.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
	"github.com/tbourn/pulse-chat-relay/internal/utils"
)

//
// Service contracts (context-aware)
//

// MessageStore is the read side of the per-room message log.
type MessageStore interface {
	// History returns up to limit messages older than beforeID (0 = latest), ascending.
	History(ctx context.Context, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error)
	// Stats returns the room's message count and highest id.
	Stats(ctx context.Context, roomID string) (count, maxID int64, err error)
}

// Publisher persists a message and fans it out to the room's live sessions.
type Publisher interface {
	Publish(ctx context.Context, p relay.Post) (*domain.ChatMessage, bool, error)
}

// Presence reports live membership.
type Presence interface {
	Count(roomID string) int
	Rooms() []domain.Room
}

//
// Handler wiring
//

// Handlers groups the REST endpoints for rooms and messages.
type Handlers struct {
	store    MessageStore
	pub      Publisher
	presence Presence
	rooms    domain.RoomSet
}

// New constructs Handlers bound to the given collaborators.
func New(store MessageStore, pub Publisher, presence Presence, rooms domain.RoomSet) *Handlers {
	return &Handlers{store: store, pub: pub, presence: presence, rooms: rooms}
}

// room resolves the :room path parameter, failing with 404 when it is not
// one of the configured cities.
func (h *Handlers) room(c *gin.Context) (string, bool) {
	id, found := h.rooms.Lookup(c.Param("room"))
	if !found {
		fail(c, http.StatusNotFound, ErrCodeUnknownRoom, "unknown room")
		return "", false
	}
	return id, true
}

//
// DTOs
//

// PresenceResponse is the live socket count for a room.
type PresenceResponse struct {
	RoomID string `json:"room_id" example:"miami"`
	Online int    `json:"online" example:"3"`
}

//
// Handlers
//

// ListRooms godoc
// @ID          listRooms
// @Summary     List chat rooms
// @Description Returns the configured city rooms with their live connection counts.
// @Tags        Rooms
// @Produce     json
// @Success     200  {array}   domain.Room
// @Router      /chat/rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	ok(c, http.StatusOK, h.presence.Rooms())
}

// GetPresence godoc
// @ID          getPresence
// @Summary     Live presence for a room
// @Tags        Rooms
// @Produce     json
// @Param       room  path  string  true  "Room id"  example(miami)
// @Success     200  {object}  handlers.PresenceResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown room"
// @Router      /chat/{room}/presence [get]
func (h *Handlers) GetPresence(c *gin.Context) {
	roomID, found := h.room(c)
	if !found {
		return
	}
	ok(c, http.StatusOK, PresenceResponse{RoomID: roomID, Online: h.presence.Count(roomID)})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Room history
// @Description Returns the most recent messages of a room in ascending id order.
// @Description Page backwards with before_id. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Messages
// @Produce     json
//
// @Param       room       path   string  true  "Room id"                          example(miami)
// @Param       limit      query  int     false "Max messages"                     minimum(1) maximum(200) default(100)
// @Param       before_id  query  int     false "Only messages with a smaller id"  minimum(1)
//
// @Success     200  {array}   domain.ChatMessage
// @Success     304  "Not modified"
// @Header      200  {string}  ETag            "Weak validator for this room's log"
// @Header      200  {int}     X-Online-Count  "Live sockets in the room"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown room"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chat/{room}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID, found := h.room(c)
	if !found {
		return
	}
	c.Header("X-Online-Count", strconv.Itoa(h.presence.Count(roomID)))

	// ETag pre-check (best effort).
	if count, maxID, err := h.store.Stats(ctx, roomID); err == nil {
		etag := fmt.Sprintf(`W/"chat:%s:%d:%d"`, roomID, count, maxID)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	limit := utils.AtoiDefault(c.Query("limit"), 0)
	beforeID := utils.ParseInt64Default(c.Query("before_id"), 0)

	items, err := h.store.History(ctx, roomID, beforeID, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, items)
}
