package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/services"
)

func newSess(room, user string) *Session {
	return NewSession(room, domain.Author{UserID: user, DisplayName: user}, 8)
}

func TestRegistry_JoinLeaveRestoresCount(t *testing.T) {
	r := NewRegistry(testRooms)
	existing := newSess("miami", "u0")
	if err := r.Join("miami", existing); err != nil {
		t.Fatalf("join: %v", err)
	}
	before := r.Count("miami")

	s := newSess("miami", "u1")
	if err := r.Join("miami", s); err != nil {
		t.Fatalf("join: %v", err)
	}
	if r.Count("miami") != before+1 {
		t.Fatalf("count after join = %d; want %d", r.Count("miami"), before+1)
	}
	if !r.Leave(s.ID) {
		t.Fatalf("first leave should remove the session")
	}
	if r.Count("miami") != before {
		t.Fatalf("count after leave = %d; want %d", r.Count("miami"), before)
	}
}

func TestRegistry_LeaveTwiceIsNoop(t *testing.T) {
	r := NewRegistry(testRooms)
	s := newSess("nyc", "u1")
	_ = r.Join("nyc", s)

	if !r.Leave(s.ID) {
		t.Fatalf("first leave should report removal")
	}
	if r.Leave(s.ID) {
		t.Fatalf("second leave should be a no-op")
	}
	if r.Leave("never-joined") {
		t.Fatalf("unknown id should be a no-op")
	}
	if n := r.Count("nyc"); n != 0 {
		t.Fatalf("count = %d; want 0 (no underflow)", n)
	}
}

func TestRegistry_JoinIsIdempotentAndSwitchesRooms(t *testing.T) {
	r := NewRegistry(testRooms)
	s := newSess("miami", "u1")

	_ = r.Join("miami", s)
	_ = r.Join("miami", s)
	if r.Count("miami") != 1 {
		t.Fatalf("double join should count once, got %d", r.Count("miami"))
	}

	if err := r.Join("kingston", s); err != nil {
		t.Fatalf("switch join: %v", err)
	}
	if r.Count("miami") != 0 || r.Count("kingston") != 1 {
		t.Fatalf("switch should leave then join: miami=%d kingston=%d", r.Count("miami"), r.Count("kingston"))
	}
	if m := r.Members("kingston"); len(m) != 1 || m[0] != s || s.RoomID() != "kingston" {
		t.Fatalf("kingston members %v; session room %q", m, s.RoomID())
	}
}

func TestRegistry_UnknownRoom(t *testing.T) {
	r := NewRegistry(testRooms)
	if err := r.Join("paris", newSess("paris", "u1")); !errors.Is(err, services.ErrUnknownRoom) {
		t.Fatalf("want ErrUnknownRoom, got %v", err)
	}
	if r.Count("paris") != 0 || r.Members("paris") != nil {
		t.Fatalf("unknown room must be empty")
	}
}

func TestRegistry_MembersIsSnapshotAndRoomsIsolated(t *testing.T) {
	r := NewRegistry(testRooms)
	k := newSess("kingston", "k1")
	n := newSess("nyc", "n1")
	_ = r.Join("kingston", k)
	_ = r.Join("nyc", n)

	snap := r.Members("kingston")
	if len(snap) != 1 || snap[0] != k {
		t.Fatalf("kingston members = %v", snap)
	}
	r.Leave(k.ID)
	if len(snap) != 1 {
		t.Fatalf("snapshot must not change after leave")
	}
	if len(r.Members("kingston")) != 0 {
		t.Fatalf("fresh snapshot should be empty")
	}
	for _, s := range r.Members("nyc") {
		if s == k {
			t.Fatalf("kingston session leaked into nyc")
		}
	}
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry(testRooms)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := testRooms.IDs()[i%testRooms.Len()]
			s := newSess(room, "u")
			_ = r.Join(room, s)
			_ = r.Members(room)
			r.Leave(s.ID)
			r.Leave(s.ID)
		}(i)
	}
	wg.Wait()
	for _, room := range testRooms.IDs() {
		if c := r.Count(room); c != 0 {
			t.Fatalf("room %s count = %d; want 0", room, c)
		}
	}
}

func TestRegistry_PresenceObserverAndRooms(t *testing.T) {
	var mu sync.Mutex
	last := map[string]int{}
	r := NewRegistry(testRooms, WithPresenceObserver(func(room string, count int) {
		mu.Lock()
		last[room] = count
		mu.Unlock()
	}))
	if len(last) != 3 {
		t.Fatalf("observer should be seeded for every room, got %v", last)
	}

	a, b := newSess("miami", "a"), newSess("miami", "b")
	_ = r.Join("miami", a)
	_ = r.Join("miami", b)
	if last["miami"] != 2 {
		t.Fatalf("observer saw %d; want 2", last["miami"])
	}
	r.Leave(a.ID)
	if last["miami"] != 1 {
		t.Fatalf("observer saw %d; want 1", last["miami"])
	}

	rooms := r.Rooms()
	if len(rooms) != 3 || rooms[1].ID != "miami" || rooms[1].Online != 1 || rooms[2].Name != "New York City" {
		t.Fatalf("Rooms() = %+v", rooms)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(testRooms)
	a, b := newSess("miami", "a"), newSess("nyc", "b")
	_ = r.Join("miami", a)
	_ = r.Join("nyc", b)

	if n := r.CloseAll(websocket.CloseGoingAway, "shutdown"); n != 2 {
		t.Fatalf("CloseAll closed %d; want 2", n)
	}
	if !isClosed(a) || !isClosed(b) {
		t.Fatalf("sessions should be closed")
	}
	if code, _ := a.closeStatus(); code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d; want going away", code)
	}
}
