// Package services defines the business logic of the chat relay. This file
// centralizes service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// Translation into HTTP status codes or WebSocket error frames is performed
// by the handler and relay layers.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/pulse-chat-relay/internal/repo"
)

// Validation errors. The offending frame or request is rejected to the sender
// only and the connection stays open.
var (
	// ErrEmptyContent is returned when content is empty after trimming.
	ErrEmptyContent = errors.New("content is empty")

	// ErrContentTooLong is returned when content exceeds the configured rune bound.
	ErrContentTooLong = errors.New("content too long")

	// ErrBadFrame is returned for payloads that cannot be decoded or carry
	// malformed fields.
	ErrBadFrame = errors.New("malformed message")
)

// Room and identity errors.
var (
	// ErrUnknownRoom indicates the room id is not in the configured set.
	ErrUnknownRoom = errors.New("unknown room")

	// ErrIdentityMismatch is returned when a payload names an author other
	// than the authenticated session.
	ErrIdentityMismatch = errors.New("author does not match authenticated identity")

	// ErrNoAuthor is returned when an append carries no author identity.
	ErrNoAuthor = errors.New("message author is required")
)

// Store failures. In both cases the message was not stored and must not be
// broadcast.
var (
	// ErrPersistence marks a transient write failure (lock contention or a
	// sequence collision). It is retryable.
	ErrPersistence = errors.New("message store unavailable")

	// ErrStorage marks a write failure a retry cannot fix, such as a missing
	// table or a violated constraint.
	ErrStorage = errors.New("message store failure")
)

// IsValidation reports whether err is a content or frame validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrContentTooLong) ||
		errors.Is(err, ErrBadFrame)
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// storageError classifies a repository write failure.
func storageError(cause error) error {
	if repo.IsConflict(cause) {
		return fmt.Errorf("%w: %w", ErrPersistence, cause)
	}
	return fmt.Errorf("%w: %w", ErrStorage, cause)
}
