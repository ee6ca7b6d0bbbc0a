// Message HTTP handlers.
//
// This file exposes the REST send path:
//   - POST /chat/{room}/message
//
// A REST send is published exactly like a live-channel frame: persisted,
// then fanned out to every socket in the room. The Idempotency-Key header
// shares its key space with the live channel's client_msg_id, so a client
// may retry over either transport.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pulse-chat-relay/internal/http/middleware"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a message. Content may
// also be given as the ?content= query parameter.
type PostMessageRequest struct {
	Content     string `json:"content" example:"anyone at the beach?"`
	ClientMsgID string `json:"client_msg_id,omitempty" example:"3f1c2a9e-8d0b-4c55-9f0e-1a2b3c4d5e6f"`
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message to a room
// @Description Persists the message and broadcasts it to every live socket in the room.
// @Description Idempotency-Key (or client_msg_id) makes retries safe: a repeat returns the stored message with 200 and Idempotency-Replayed: true.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Client message id for safe retries"  example(3f1c2a9e-8d0b-4c55-9f0e-1a2b3c4d5e6f)
// @Param       room             path    string  true  "Room id"                             example(miami)
// @Param       content          query   string  false "Message text (alternative to the body)"
// @Param       body             body    handlers.PostMessageRequest  false  "Message payload"
//
// @Success     201  {object}  domain.ChatMessage  "Stored and broadcast"
// @Success     200  {object}  domain.ChatMessage  "Replay of a previously stored message"
// @Failure     400  {object}  handlers.ErrorResponse  "Empty or too long"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown room"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable, retry"
// @Router      /chat/{room}/message [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	roomID, found := h.room(c)
	if !found {
		return
	}
	id, authed := middleware.IdentityFrom(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
		return
	}

	var req PostMessageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Content == "" {
		req.Content = c.Query("content")
	}
	if key, has := middleware.GetIdempotencyKey(c); has {
		req.ClientMsgID = key
	}

	msg, replayed, err := h.pub.Publish(c.Request.Context(), relay.Post{
		RoomID:      roomID,
		Author:      id.Author(),
		Content:     req.Content,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		failFrom(c, err)
		return
	}
	if replayed {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, msg)
		return
	}
	ok(c, http.StatusCreated, msg)
}
