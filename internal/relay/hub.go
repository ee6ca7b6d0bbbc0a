package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/services"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the durable log the hub publishes into.
type Store interface {
	Append(ctx context.Context, roomID string, author domain.Author, content, clientMsgID string) (*domain.ChatMessage, bool, error)
}

// Post is one message submitted for publication.
type Post struct {
	RoomID      string
	Author      domain.Author
	Content     string
	ClientMsgID string
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRetry sets how many times a retryable append is attempted and the
// linear backoff step between attempts.
func WithRetry(attempts int, backoff time.Duration) HubOption {
	return func(h *Hub) {
		if attempts > 0 {
			h.attempts = attempts
		}
		if backoff >= 0 {
			h.backoff = backoff
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// Hub sequences publication per room: persist, snapshot members, enqueue.
// Holding the room's sequencer across all three makes every member observe
// messages in persistence order.
type Hub struct {
	store    Store
	registry *Registry
	seq      map[string]*sync.Mutex // read-only after NewHub

	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewHub creates a hub publishing into store and fanning out to registry members.
func NewHub(store Store, registry *Registry, opts ...HubOption) *Hub {
	h := &Hub{
		store:    store,
		registry: registry,
		seq:      make(map[string]*sync.Mutex, len(registry.order)),
		attempts: 3,
		backoff:  100 * time.Millisecond,
		log:      log.Logger,
	}
	for _, id := range registry.order {
		h.seq[id] = &sync.Mutex{}
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Registry returns the registry the hub fans out to.
func (h *Hub) Registry() *Registry { return h.registry }

// Publish persists p and broadcasts the stored message to every session in
// the room, the sender's included. The append is detached from ctx's
// cancellation, so an accepted message is stored and broadcast even if the
// sender goes away.
//
// A replayed client message id returns the original message with
// replayed=true and broadcasts nothing. Errors are the store's: validation
// errors, ErrUnknownRoom, ErrStorage, or ErrPersistence after the retries are
// spent.
func (h *Hub) Publish(ctx context.Context, p Post) (*domain.ChatMessage, bool, error) {
	ctx, span := otel.Tracer("relay/Hub").Start(context.WithoutCancel(ctx), "Publish",
		trace.WithAttributes(
			attribute.String("room.id", p.RoomID),
			attribute.String("user.id", p.Author.UserID),
		),
	)
	defer span.End()

	mu, ok := h.seq[p.RoomID]
	if !ok {
		return nil, false, services.ErrUnknownRoom
	}
	start := time.Now()

	mu.Lock()
	defer mu.Unlock()

	msg, replayed, err := h.appendWithRetry(ctx, p)
	if err != nil {
		outcome := outcomeFailed
		if services.IsValidation(err) {
			outcome = outcomeRejected
		}
		messagesTotal.WithLabelValues(p.RoomID, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, false, err
	}
	if replayed {
		messagesTotal.WithLabelValues(p.RoomID, outcomeReplayed).Inc()
		return msg, true, nil
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, false, err
	}
	delivered := h.fanout(p.RoomID, frame)

	messagesTotal.WithLabelValues(p.RoomID, outcomePublished).Inc()
	publishLatency.WithLabelValues(p.RoomID).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int64("message.id", msg.ID),
		attribute.Int("fanout.delivered", delivered),
	)
	return msg, false, nil
}

func (h *Hub) appendWithRetry(ctx context.Context, p Post) (*domain.ChatMessage, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		msg, replayed, err := h.store.Append(ctx, p.RoomID, p.Author, p.Content, p.ClientMsgID)
		if err == nil {
			return msg, replayed, nil
		}
		lastErr = err
		if !services.IsRetryable(err) {
			return nil, false, err
		}
		h.log.Warn().Err(err).
			Str("room_id", p.RoomID).
			Int("attempt", attempt).
			Msg("chat append failed")
		if attempt < h.attempts && h.backoff > 0 {
			time.Sleep(time.Duration(attempt) * h.backoff)
		}
	}
	return nil, false, lastErr
}

// fanout enqueues frame for every member of roomID. A member that cannot
// take it is evicted; the broadcast itself never fails.
func (h *Hub) fanout(roomID string, frame []byte) int {
	delivered := 0
	for _, s := range h.registry.Members(roomID) {
		if err := s.Deliver(frame); err != nil {
			fanoutDrops.WithLabelValues(roomID).Inc()
			h.registry.Leave(s.ID)
			s.CloseWith(websocket.CloseTryAgainLater, "send queue full")
			h.log.Debug().Err(err).
				Str("room_id", roomID).
				Str("session_id", s.ID).
				Msg("fan-out dropped session")
			continue
		}
		delivered++
	}
	return delivered
}
