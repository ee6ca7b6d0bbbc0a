// Package relay implements the live side of the city chat: the room registry,
// per-connection sessions, the publish sequencer that orders persistence and
// fan-out per room, and the WebSocket connection handler.
package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
)

var (
	// ErrSessionClosed is returned when delivering to a session that has closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer is returned when a session's outbound queue is full.
	ErrSlowConsumer = errors.New("session send queue full")
)

// Session is one live connection's registration state. It is owned by the
// Connection serving it; the Registry only keeps a reference for lookup and
// fan-out.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	AvatarRef   *string
	ConnectedAt time.Time

	room atomic.Value // string

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewSession creates a session for author with an outbound queue of buffer
// frames. The session is not registered anywhere yet.
func NewSession(roomID string, author domain.Author, buffer int) *Session {
	if buffer < 1 {
		buffer = 1
	}
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      author.UserID,
		DisplayName: author.DisplayName,
		AvatarRef:   author.AvatarRef,
		ConnectedAt: time.Now().UTC(),
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
	}
	s.room.Store(roomID)
	return s
}

// RoomID returns the room the session is subscribed to.
func (s *Session) RoomID() string {
	v, _ := s.room.Load().(string)
	return v
}

func (s *Session) setRoom(id string) { s.room.Store(id) }

// Author returns the identity snapshot taken at connect time.
func (s *Session) Author() domain.Author {
	return domain.Author{UserID: s.UserID, DisplayName: s.DisplayName, AvatarRef: s.AvatarRef}
}

// Deliver queues frame without blocking. It fails with ErrSessionClosed
// after Close and with ErrSlowConsumer when the queue is full.
func (s *Session) Deliver(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSlowConsumer
	}
}

// Outbound is the queue drained by the connection's writer.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close closes the session with a normal closure code.
func (s *Session) Close() { s.CloseWith(websocket.CloseNormalClosure, "") }

// CloseWith closes the session, recording the WebSocket close code and
// reason the writer sends to the peer. Only the first call has effect.
func (s *Session) CloseWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode, s.closeReason = code, reason
		close(s.done)
	})
}

// closeStatus is valid once Done is closed.
func (s *Session) closeStatus() (int, string) { return s.closeCode, s.closeReason }
