// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
)

// MessagesStats returns the number of messages in roomID and the highest id
// among them. Because the log is append-only, the pair changes exactly when
// the room's history does.
//
// Return values:
//   - count: total messages for roomID
//   - maxID: greatest message id, or 0 if no rows
//   - err:   database error, if any
func MessagesStats(ctx context.Context, db *gorm.DB, roomID string) (count int64, maxID int64, err error) {
	q := db.WithContext(ctx).Model(&domain.ChatMessage{}).Where("room_id = ?", roomID)

	if err = q.Count(&count).Error; err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}

	var row struct {
		ID int64
	}
	if err = db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Select("id").
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(1).
		Scan(&row).Error; err != nil {
		return 0, 0, err
	}
	return count, row.ID, nil
}
