// Package domain defines the persistence models and value types of the chat
// relay. Messages and idempotency records are mapped with GORM; rooms and
// authors are plain values shared by the repository, service, and relay
// layers.
package domain

import "time"

// ChatMessage is one persisted utterance in a city room. Rows are immutable
// once written and are never deleted by the relay.
//
// Fields:
//   - ID: per-room sequence number assigned at persistence time (first is 1).
//   - RoomID: city room identifier; (RoomID, ID) is the primary key.
//   - UserID / Username / UserAvatar: author snapshot denormalized at write
//     time so history needs no join.
//   - Content: trimmed, NFC-normalized text.
//   - ClientMsgID: optional client-generated key echoed back to the sender.
//   - CreatedAt: server clock, UTC, millisecond precision.
type ChatMessage struct {
	ID          int64     `json:"id"                      gorm:"primaryKey;autoIncrement:false;index:idx_room_msgs,priority:2"`
	RoomID      string    `json:"room_id"                 gorm:"type:varchar(32);primaryKey;index:idx_room_msgs,priority:1"`
	UserID      string    `json:"user_id"                 gorm:"type:varchar(64);not null;index"`
	Username    string    `json:"username"                gorm:"type:varchar(255);not null"`
	UserAvatar  *string   `json:"user_avatar,omitempty"   gorm:"type:text"`
	Content     string    `json:"content"                 gorm:"type:text;not null"`
	ClientMsgID string    `json:"client_msg_id,omitempty" gorm:"type:varchar(64)"`
	CreatedAt   time.Time `json:"created_at"              gorm:"not null"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

// Author is the identity snapshot stamped onto a message. It always comes
// from the authenticated session, never from a client payload.
type Author struct {
	UserID      string
	DisplayName string
	AvatarRef   *string
}

// Stamp copies the author snapshot onto m.
func (a Author) Stamp(m *ChatMessage) {
	m.UserID = a.UserID
	m.Username = a.DisplayName
	if a.AvatarRef != nil && *a.AvatarRef != "" {
		v := *a.AvatarRef
		m.UserAvatar = &v
	}
}
