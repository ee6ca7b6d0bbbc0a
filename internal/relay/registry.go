package relay

import (
	"sync"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/services"
)

// PresenceObserver is told a room's membership count after every change.
// It runs under that room's lock and must not call back into the Registry.
type PresenceObserver func(roomID string, count int)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPresenceObserver installs fn as the presence observer.
func WithPresenceObserver(fn PresenceObserver) RegistryOption {
	return func(r *Registry) { r.observer = fn }
}

type roomShard struct {
	mu      sync.RWMutex
	members map[string]*Session
}

// Registry maps each room to its live sessions. Every room has its own lock,
// so activity in one room never blocks another. The set of rooms is fixed
// at construction.
type Registry struct {
	rooms    map[string]*roomShard // read-only after NewRegistry
	order    []string
	index    sync.Map // session id -> room id
	observer PresenceObserver
}

// NewRegistry creates an empty registry serving rooms.
func NewRegistry(rooms domain.RoomSet, opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms: make(map[string]*roomShard, rooms.Len()),
		order: rooms.IDs(),
	}
	for _, id := range r.order {
		r.rooms[id] = &roomShard{members: make(map[string]*Session)}
	}
	for _, o := range opts {
		o(r)
	}
	for _, id := range r.order {
		r.notify(id, 0)
	}
	return r
}

// Join registers s in roomID. Joining the room s is already in is a no-op;
// joining a different room first leaves the current one.
func (r *Registry) Join(roomID string, s *Session) error {
	shard, ok := r.rooms[roomID]
	if !ok {
		return services.ErrUnknownRoom
	}
	if cur, ok := r.index.Load(s.ID); ok {
		if cur.(string) == roomID {
			return nil
		}
		r.Leave(s.ID)
	}

	shard.mu.Lock()
	shard.members[s.ID] = s
	r.index.Store(s.ID, roomID)
	s.setRoom(roomID)
	r.notify(roomID, len(shard.members))
	shard.mu.Unlock()
	return nil
}

// Leave removes the session from whichever room holds it and reports whether
// this call removed it. Unknown or already-removed ids are a no-op.
func (r *Registry) Leave(sessionID string) bool {
	v, ok := r.index.LoadAndDelete(sessionID)
	if !ok {
		return false
	}
	roomID := v.(string)
	shard := r.rooms[roomID]

	shard.mu.Lock()
	_, present := shard.members[sessionID]
	delete(shard.members, sessionID)
	r.notify(roomID, len(shard.members))
	shard.mu.Unlock()
	return present
}

// Members returns a snapshot of the sessions registered in roomID.
func (r *Registry) Members(roomID string) []*Session {
	shard, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	shard.mu.RLock()
	out := make([]*Session, 0, len(shard.members))
	for _, s := range shard.members {
		out = append(out, s)
	}
	shard.mu.RUnlock()
	return out
}

// Count returns the number of sessions in roomID; this is the room's presence.
func (r *Registry) Count(roomID string) int {
	shard, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.members)
}

// Rooms lists every served room with its current presence.
func (r *Registry) Rooms() []domain.Room {
	out := make([]domain.Room, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, domain.Room{ID: id, Name: domain.RoomName(id), Online: r.Count(id)})
	}
	return out
}

// CloseAll closes every registered session with code and reason. Connections
// observe the close, send it to their peers, and leave the registry.
func (r *Registry) CloseAll(code int, reason string) int {
	n := 0
	for _, id := range r.order {
		for _, s := range r.Members(id) {
			s.CloseWith(code, reason)
			n++
		}
	}
	return n
}

func (r *Registry) notify(roomID string, count int) {
	if r.observer != nil {
		r.observer(roomID, count)
	}
}
