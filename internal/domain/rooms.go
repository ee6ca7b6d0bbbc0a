package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Room is the public description of a city room.
type Room struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

var knownRoomNames = map[string]string{
	"kingston": "Kingston",
	"miami":    "Miami",
	"nyc":      "New York City",
}

var titleCaser = cases.Title(language.English)

// RoomName returns a human-readable name for a room id.
func RoomName(id string) string {
	if n, ok := knownRoomNames[id]; ok {
		return n
	}
	return titleCaser.String(strings.ReplaceAll(id, "-", " "))
}

// NormalizeRoomID lowercases and trims a raw room identifier.
func NormalizeRoomID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// RoomSet is the closed set of room ids the relay serves. It is immutable
// after construction and safe for concurrent use.
type RoomSet struct {
	ids []string
	set map[string]struct{}
}

// NewRoomSet builds a RoomSet, normalizing and de-duplicating ids while
// keeping their first-seen order.
func NewRoomSet(ids []string) RoomSet {
	s := RoomSet{set: make(map[string]struct{}, len(ids))}
	for _, raw := range ids {
		id := NormalizeRoomID(raw)
		if id == "" {
			continue
		}
		if _, dup := s.set[id]; dup {
			continue
		}
		s.set[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

// Lookup normalizes raw and reports whether it names a served room.
func (s RoomSet) Lookup(raw string) (string, bool) {
	id := NormalizeRoomID(raw)
	_, ok := s.set[id]
	return id, ok
}

// Has reports whether id (already normalized) is a served room.
func (s RoomSet) Has(id string) bool {
	_, ok := s.set[id]
	return ok
}

// IDs returns a copy of the room ids in configuration order.
func (s RoomSet) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Len returns the number of rooms.
func (s RoomSet) Len() int { return len(s.ids) }
