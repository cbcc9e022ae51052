package api

import (
	"sync"
	"time"

	"github.com/danvaneijck/attache/internal/events"
)

// Hub fans turn lifecycle events out to websocket subscribers, keyed by
// conversation. It implements the agent loop's event sink; sends never
// block, a slow subscriber just misses events.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan events.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan events.Event]struct{})}
}

// Subscribe registers a listener for one conversation. The returned
// cancel func must be called to release the channel.
func (h *Hub) Subscribe(conversationID string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, 16)

	h.mu.Lock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[chan events.Event]struct{})
	}
	h.subs[conversationID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[conversationID], ch)
		if len(h.subs[conversationID]) == 0 {
			delete(h.subs, conversationID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// TurnStarted implements the agent loop's event sink.
func (h *Hub) TurnStarted(conversationID, userID string) {
	h.broadcast(events.Event{
		Type:           events.TypeTurnStarted,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

// ToolExecuted implements the agent loop's event sink.
func (h *Hub) ToolExecuted(conversationID, tool string, isError bool) {
	h.broadcast(events.Event{
		Type:           events.TypeToolExecuted,
		ConversationID: conversationID,
		Tool:           tool,
		IsError:        isError,
	})
}

// TurnCompleted implements the agent loop's event sink.
func (h *Hub) TurnCompleted(conversationID string, iterations int, partial bool) {
	h.broadcast(events.Event{
		Type:           events.TypeTurnCompleted,
		ConversationID: conversationID,
		Iterations:     iterations,
		Partial:        partial,
	})
}

func (h *Hub) broadcast(ev events.Event) {
	ev.Timestamp = time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
