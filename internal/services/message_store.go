// Package services – MessageStore
//
// This file implements MessageStore, the durable append-only log of chat
// messages per city room. It validates and normalizes content, stamps the
// authenticated author, assigns the per-room sequence through the repository,
// and serves paginated history.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry the room id and, for appends, the author id.
package services

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/pulse-chat-relay/internal/domain"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"
)

// MaxClientMsgIDLen bounds the client-supplied message key.
const MaxClientMsgIDLen = 64

// MessageRepo defines the repository contract required by MessageStore.
type MessageRepo interface {
	// AppendMessage assigns the next per-room id and persists m.
	AppendMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) error

	// AppendMessageOnce is AppendMessage guarded by an idempotency key.
	AppendMessageOnce(ctx context.Context, db *gorm.DB, m *domain.ChatMessage, key string, ttl time.Duration) (*domain.ChatMessage, bool, error)

	// ListHistory returns an ascending page of a room's most recent messages.
	ListHistory(ctx context.Context, db *gorm.DB, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error)

	// MessagesStats returns the message count and highest id of a room.
	MessagesStats(ctx context.Context, db *gorm.DB, roomID string) (int64, int64, error)

	// PurgeExpiredIdempotency removes idempotency records expired at now.
	PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

// MessageStore is the durable per-room message log.
type MessageStore struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the message repository used by this service.
	Repo MessageRepo
	// Rooms is the closed set of rooms that accept messages.
	Rooms domain.RoomSet

	// MaxContentRunes bounds content after normalization.
	MaxContentRunes int
	// HistoryLimit is the page size used when the caller passes none.
	HistoryLimit int
	// HistoryMaxLimit caps any requested page size.
	HistoryMaxLimit int
	// IdempotencyTTL is how long a client message key stays replayable.
	IdempotencyTTL time.Duration

	// Now is the server clock; tests may replace it.
	Now func() time.Time

	// SQLite admits one writer at a time.
	writeMu sync.Mutex
}

// NewMessageStore constructs a MessageStore with the relay's default bounds.
func NewMessageStore(db *gorm.DB, r MessageRepo, rooms domain.RoomSet) *MessageStore {
	return &MessageStore{
		DB:              db,
		Repo:            r,
		Rooms:           rooms,
		MaxContentRunes: 1000,
		HistoryLimit:    100,
		HistoryMaxLimit: 200,
		IdempotencyTTL:  24 * time.Hour,
		Now:             time.Now,
	}
}

// NormalizeContent trims and NFC-normalizes content and enforces the rune bound.
func (s *MessageStore) NormalizeContent(content string) (string, error) {
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return "", ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return "", ErrContentTooLong
	}
	return content, nil
}

// Append validates content, stamps author, and persists a new message in
// roomID. The returned message carries its assigned id and timestamp and is
// durable when Append returns.
//
// When clientMsgID is non-empty it acts as an idempotency key for the
// author in that room: a repeated key returns the originally stored message
// with replayed=true and writes nothing.
//
// Storage failures are wrapped in ErrPersistence when a retry can succeed
// and in ErrStorage otherwise.
func (s *MessageStore) Append(ctx context.Context, roomID string, author domain.Author, content, clientMsgID string) (*domain.ChatMessage, bool, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("user.id", author.UserID),
		),
	)
	defer span.End()

	if !s.Rooms.Has(roomID) {
		return nil, false, ErrUnknownRoom
	}
	if strings.TrimSpace(author.UserID) == "" {
		return nil, false, ErrNoAuthor
	}
	content, err := s.NormalizeContent(content)
	if err != nil {
		return nil, false, err
	}
	clientMsgID = strings.TrimSpace(clientMsgID)
	if len(clientMsgID) > MaxClientMsgIDLen {
		return nil, false, ErrBadFrame
	}

	m := &domain.ChatMessage{
		RoomID:      roomID,
		Content:     content,
		ClientMsgID: clientMsgID,
		CreatedAt:   s.now(),
	}
	author.Stamp(m)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if clientMsgID == "" {
		if err := s.Repo.AppendMessage(ctx, s.DB, m); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
			return nil, false, storageError(err)
		}
		span.SetAttributes(attribute.Int64("message.id", m.ID))
		return m, false, nil
	}

	stored, replayed, err := s.Repo.AppendMessageOnce(ctx, s.DB, m, clientMsgID, s.IdempotencyTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, false, storageError(err)
	}
	span.SetAttributes(
		attribute.Int64("message.id", stored.ID),
		attribute.Bool("message.replayed", replayed),
	)
	return stored, replayed, nil
}

// ClampLimit maps a requested page size onto [1, HistoryMaxLimit], using
// HistoryLimit when limit is not positive.
func (s *MessageStore) ClampLimit(limit int) int {
	if limit <= 0 {
		limit = s.HistoryLimit
	}
	if s.HistoryMaxLimit > 0 && limit > s.HistoryMaxLimit {
		limit = s.HistoryMaxLimit
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

// History returns up to limit of the most recent messages in roomID older
// than beforeID (0 for the latest page), ascending. It has no side effects.
func (s *MessageStore) History(ctx context.Context, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.Int64("before_id", beforeID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if !s.Rooms.Has(roomID) {
		return nil, ErrUnknownRoom
	}
	if beforeID < 0 {
		beforeID = 0
	}
	items, err := s.Repo.ListHistory(ctx, s.DB, roomID, beforeID, s.ClampLimit(limit))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return items, nil
}

// Stats returns the room's message count and highest id, used for ETags.
func (s *MessageStore) Stats(ctx context.Context, roomID string) (count, maxID int64, err error) {
	if !s.Rooms.Has(roomID) {
		return 0, 0, ErrUnknownRoom
	}
	return s.Repo.MessagesStats(ctx, s.DB, roomID)
}

// PurgeExpiredKeys deletes idempotency records that can no longer replay.
func (s *MessageStore) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Repo.PurgeExpiredIdempotency(ctx, s.DB, s.now().UTC())
}

func (s *MessageStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
