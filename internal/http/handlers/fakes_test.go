package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tbourn/pulse-chat-relay/internal/auth"
	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
	"github.com/tbourn/pulse-chat-relay/internal/services"
)

var testRooms = domain.NewRoomSet([]string{"kingston", "miami", "nyc"})

type stubStore struct {
	history func(ctx context.Context, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error)
	stats   func(ctx context.Context, roomID string) (int64, int64, error)
}

func (s stubStore) History(ctx context.Context, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error) {
	return s.history(ctx, roomID, beforeID, limit)
}

func (s stubStore) Stats(ctx context.Context, roomID string) (int64, int64, error) {
	return s.stats(ctx, roomID)
}

type stubPublisher struct {
	mu    sync.Mutex
	posts []relay.Post
	fn    func(p relay.Post) (*domain.ChatMessage, bool, error)
}

func (s *stubPublisher) Publish(_ context.Context, p relay.Post) (*domain.ChatMessage, bool, error) {
	s.mu.Lock()
	s.posts = append(s.posts, p)
	s.mu.Unlock()
	return s.fn(p)
}

type stubPresence map[string]int

func (p stubPresence) Count(roomID string) int { return p[roomID] }

func (p stubPresence) Rooms() []domain.Room {
	out := []domain.Room{}
	for _, id := range testRooms.IDs() {
		out = append(out, domain.Room{ID: id, Name: domain.RoomName(id), Online: p[id]})
	}
	return out
}

// memStore is an in-memory relay.Store with the message store's validation
// rules for empty content and client ids.
type memStore struct {
	mu   sync.Mutex
	next map[string]int64
	keys map[string]*domain.ChatMessage
}

func newMemStore() *memStore {
	return &memStore{next: map[string]int64{}, keys: map[string]*domain.ChatMessage{}}
}

func (s *memStore) Append(_ context.Context, roomID string, a domain.Author, content, clientMsgID string) (*domain.ChatMessage, bool, error) {
	if !testRooms.Has(roomID) {
		return nil, false, services.ErrUnknownRoom
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false, services.ErrEmptyContent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := a.UserID + "|" + roomID + "|" + clientMsgID
	if prev, ok := s.keys[k]; ok && clientMsgID != "" {
		return prev, true, nil
	}
	s.next[roomID]++
	m := &domain.ChatMessage{ID: s.next[roomID], RoomID: roomID, Content: content, ClientMsgID: clientMsgID, CreatedAt: time.Now().UTC()}
	a.Stamp(m)
	if clientMsgID != "" {
		s.keys[k] = m
	}
	return m, false, nil
}

// tokenVerifier accepts tokens of the form "tok-<name>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(raw string) (auth.Identity, error) {
	if raw == "" {
		return auth.Identity{}, auth.ErrMissingToken
	}
	name, found := strings.CutPrefix(raw, "tok-")
	if !found || name == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: "u-" + name, Username: name}, nil
}
