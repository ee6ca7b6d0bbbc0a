// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Generic
// codes mirror HTTP status semantics; the chat codes match the ones carried
// in live-channel error frames so both transports report a rejected message
// the same way.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "content_too_long",
//	  "message": "message content is too long"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pulse-chat-relay/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Chat:
	ErrCodeUnknownRoom     = "unknown_room"
	ErrCodeEmptyContent    = "empty_content"
	ErrCodeContentTooLong  = "content_too_long"
	ErrCodePersistence     = "persistence_failed"
	ErrCodeHistoryFailed   = "history_failed"
	ErrCodeUpgradeRejected = "upgrade_rejected"
)

// failFrom maps a service error onto the error envelope. Persistence
// failures are 503 with Retry-After so clients resend with the same key.
func failFrom(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnknownRoom):
		fail(c, http.StatusNotFound, ErrCodeUnknownRoom, "unknown room")
	case errors.Is(err, services.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeEmptyContent, "message content is empty")
	case errors.Is(err, services.ErrContentTooLong):
		fail(c, http.StatusBadRequest, ErrCodeContentTooLong, "message content is too long")
	case errors.Is(err, services.ErrBadFrame):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed message")
	case errors.Is(err, services.ErrNoAuthor), errors.Is(err, services.ErrIdentityMismatch):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "author does not match the authenticated user")
	case services.IsRetryable(err):
		c.Header("Retry-After", "1")
		fail(c, http.StatusServiceUnavailable, ErrCodePersistence, "message could not be saved, try again")
	default:
		// the cause goes to the access log, not the client
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
