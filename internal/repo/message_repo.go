// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only per-room message log.
//
// All functions are context-aware and accept a *gorm.DB handle, so they can
// run inside a caller's transaction. They follow the "thin repository"
// approach: sequence assignment and query composition only, no validation.
//
// Error semantics:
//   - Missing rows return ErrNotFound (an alias of gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// lastMessage returns the highest id in room and its timestamp, or zeros
// when the room has no messages.
func lastMessage(tx *gorm.DB, roomID string) (int64, time.Time, error) {
	var row struct {
		ID        int64
		CreatedAt time.Time
	}
	err := tx.Model(&domain.ChatMessage{}).
		Select("id, created_at").
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(1).
		Scan(&row).Error
	return row.ID, row.CreatedAt, err
}

// insertNext assigns m the next id in its room and a timestamp no earlier
// than the previous message, then inserts it. A zero m.CreatedAt is filled
// from the server clock.
func insertNext(tx *gorm.DB, m *domain.ChatMessage) error {
	lastID, lastAt, err := lastMessage(tx, m.RoomID)
	if err != nil {
		return err
	}
	m.ID = lastID + 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	if lastID > 0 && m.CreatedAt.Before(lastAt) {
		m.CreatedAt = lastAt.UTC()
	}
	return tx.Create(m).Error
}

// AppendMessage persists m as the next message in m.RoomID. The id and final
// timestamp are written back into m. The insert commits before it returns.
func AppendMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertNext(tx, m)
	})
}

// AppendMessageOnce is AppendMessage guarded by an idempotency key scoped to
// (m.UserID, m.RoomID). When a live record for key exists, the originally
// stored message is returned with replayed=true and nothing is written.
func AppendMessageOnce(ctx context.Context, db *gorm.DB, m *domain.ChatMessage, key string, ttl time.Duration) (*domain.ChatMessage, bool, error) {
	var (
		out      *domain.ChatMessage
		replayed bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := GetIdempotency(ctx, tx, m.UserID, m.RoomID, key, time.Now().UTC())
		switch {
		case err == nil:
			prev, err := GetMessage(ctx, tx, m.RoomID, rec.MessageID)
			if err != nil {
				return err
			}
			out, replayed = prev, true
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := insertNext(tx, m); err != nil {
			return err
		}
		if _, err := CreateIdempotency(ctx, tx, m.UserID, m.RoomID, key, m.ID, ttl); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, replayed, nil
}

// GetMessage fetches one message by room and id.
func GetMessage(ctx context.Context, db *gorm.DB, roomID string, id int64) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	if err := db.WithContext(ctx).Where("room_id = ? AND id = ?", roomID, id).First(&m).Error; err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// ListHistory returns up to limit of the most recent messages in roomID with
// an id below beforeID (0 means no bound), in ascending (created_at, id)
// order. A non-positive limit returns an empty slice.
func ListHistory(ctx context.Context, db *gorm.DB, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error) {
	out := []domain.ChatMessage{}
	if limit <= 0 {
		return out, nil
	}
	q := db.WithContext(ctx).Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	// newest-first from the query; flip for display order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}
