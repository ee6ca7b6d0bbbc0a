package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/services"
)

var testRooms = domain.NewRoomSet([]string{"kingston", "miami", "nyc"})

// memRepo is an in-memory services.MessageRepo.
type memRepo struct {
	mu       sync.Mutex
	rooms    map[string][]domain.ChatMessage
	keys     map[string]int64
	failNext int   // transient failures to return before succeeding
	failWith error // returned by every append when set
	appends  int
	appendFn func() // called inside every append, before storing
}

func newMemRepo() *memRepo {
	return &memRepo{rooms: map[string][]domain.ChatMessage{}, keys: map[string]int64{}}
}

var (
	errBusy      = errors.New("database is locked (5) (SQLITE_BUSY)")
	errNoSuchTbl = errors.New("no such table: chat_messages")
)

func (r *memRepo) AppendMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) error {
	if r.appendFn != nil {
		r.appendFn()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appends++
	if r.failWith != nil {
		return r.failWith
	}
	if r.failNext > 0 {
		r.failNext--
		return errBusy
	}
	m.ID = int64(len(r.rooms[m.RoomID]) + 1)
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	r.rooms[m.RoomID] = append(r.rooms[m.RoomID], *m)
	return nil
}

func (r *memRepo) AppendMessageOnce(ctx context.Context, db *gorm.DB, m *domain.ChatMessage, key string, ttl time.Duration) (*domain.ChatMessage, bool, error) {
	k := m.UserID + "|" + m.RoomID + "|" + key
	r.mu.Lock()
	if id, ok := r.keys[k]; ok {
		prev := r.rooms[m.RoomID][id-1]
		r.mu.Unlock()
		return &prev, true, nil
	}
	r.mu.Unlock()
	if err := r.AppendMessage(ctx, db, m); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	r.keys[k] = m.ID
	r.mu.Unlock()
	return m, false, nil
}

func (r *memRepo) ListHistory(ctx context.Context, db *gorm.DB, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.ChatMessage{}
	for _, m := range r.rooms[roomID] {
		if beforeID == 0 || m.ID < beforeID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memRepo) MessagesStats(ctx context.Context, db *gorm.DB, roomID string) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.rooms[roomID]))
	return n, n, nil
}

func (r *memRepo) PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	return 0, nil
}

func newTestStore() (*services.MessageStore, *memRepo) {
	r := newMemRepo()
	return services.NewMessageStore(nil, r, testRooms), r
}
