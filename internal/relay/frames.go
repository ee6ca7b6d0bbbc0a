package relay

import (
	"encoding/json"
	"errors"

	"github.com/tbourn/pulse-chat-relay/internal/services"
)

// InboundFrame is the JSON a client sends on the live channel. Author fields
// are optional and only cross-checked against the session identity.
type InboundFrame struct {
	UserID      string  `json:"user_id,omitempty"`
	Username    string  `json:"username,omitempty"`
	UserAvatar  *string `json:"user_avatar,omitempty"`
	Content     string  `json:"content"`
	ClientMsgID string  `json:"client_msg_id,omitempty"`
}

// Error frame codes.
const (
	CodeBadFrame         = "bad_frame"
	CodeEmptyContent     = "empty_content"
	CodeContentTooLong   = "content_too_long"
	CodeIdentityMismatch = "identity_mismatch"
	CodeRateLimited      = "rate_limited"
	CodePersistence      = "persistence_failed"
	CodeInternal         = "internal"
)

// ErrorBody describes a rejected frame. It is sent to the sender only.
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// ErrorFrame is the outbound error envelope: {"error": {...}}.
type ErrorFrame struct {
	Error ErrorBody `json:"error"`
}

// DecodeInbound parses a client frame. Anything that is not a JSON object
// of the expected shape is ErrBadFrame.
func DecodeInbound(data []byte) (InboundFrame, error) {
	var in InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return InboundFrame{}, services.ErrBadFrame
	}
	return in, nil
}

// ErrorFrameFor maps a publish or decode error onto an error frame.
func ErrorFrameFor(err error, clientMsgID string) ErrorFrame {
	b := ErrorBody{ClientMsgID: clientMsgID}
	switch {
	case errors.Is(err, services.ErrEmptyContent):
		b.Code, b.Message = CodeEmptyContent, "message content is empty"
	case errors.Is(err, services.ErrContentTooLong):
		b.Code, b.Message = CodeContentTooLong, "message content is too long"
	case errors.Is(err, services.ErrBadFrame):
		b.Code, b.Message = CodeBadFrame, "malformed message"
	case errors.Is(err, services.ErrIdentityMismatch), errors.Is(err, services.ErrNoAuthor):
		b.Code, b.Message = CodeIdentityMismatch, "author does not match the authenticated user"
	case errors.Is(err, errRateLimited):
		b.Code, b.Message, b.Retryable = CodeRateLimited, "too many messages, slow down", true
	case services.IsRetryable(err):
		b.Code, b.Message, b.Retryable = CodePersistence, "message could not be saved, try again", true
	default:
		b.Code, b.Message = CodeInternal, "internal error"
	}
	return ErrorFrame{Error: b}
}

var errRateLimited = errors.New("rate limited")

func encodeFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// only plain structs are encoded here
		panic(err)
	}
	return b
}
