package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds pushed to connected creators.
const (
	KindFinancialTopic       = "financial_topic"
	KindFuturePlan           = "future_plan"
	KindRequestAnswered      = "request_answered"
	KindCreatorReply         = "creator_reply_delivered"
	KindRelationshipQuestion = "relationship_question"
	KindHeartbeat            = "heartbeat"
)

// Event is a single notification addressed to one user.
type Event struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
	At   time.Time      `json:"at"`
}

// Hub fans events out to per-user subscriber channels. Each subscriber
// gets a buffered FIFO channel; when a subscriber's buffer is full the
// new event is dropped and logged rather than blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[string][]chan Event
	buffer  int
	logger  *slog.Logger
	closed  bool
	stopped chan struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:    make(map[string][]chan Event),
		buffer:  buffer,
		logger:  slog.Default(),
		stopped: make(chan struct{}),
	}
}

// Subscribe registers a channel for userID. The returned cancel func
// removes the subscription and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[userID] = append(h.subs[userID], ch)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			chans := h.subs[userID]
			for i, c := range chans {
				if c == ch {
					h.subs[userID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			if !h.closed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of userID. Returns the
// number of subscribers that received it.
func (h *Hub) Publish(userID string, ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	delivered := 0
	for _, ch := range h.subs[userID] {
		select {
		case ch <- ev:
			delivered++
		default:
			h.logger.Warn("notification dropped, subscriber buffer full",
				"user_id", userID, "kind", ev.Kind)
		}
	}
	return delivered
}

// Heartbeat publishes a heartbeat event to every subscribed user at the
// given interval until ctx is cancelled.
func (h *Hub) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopped:
			return
		case <-ticker.C:
			h.mu.Lock()
			users := make([]string, 0, len(h.subs))
			for id := range h.subs {
				users = append(users, id)
			}
			h.mu.Unlock()
			for _, id := range users {
				h.Publish(id, Event{Kind: KindHeartbeat})
			}
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.stopped)
	for _, chans := range h.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	h.subs = make(map[string][]chan Event)
}
