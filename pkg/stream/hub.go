package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"rdcp/pkg/models"
	"rdcp/pkg/protocol"
)

type Event struct {
	Type  string          `json:"type"`
	At    string          `json:"at"`
	Scope models.Scope    `json:"scope,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, scope models.Scope, at time.Time, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	if at.IsZero() {
		at = time.Now()
	}
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano), Scope: scope, Data: raw}
}

// Hub fans events out to subscribers. A subscriber registered with an
// empty scope sees every scope. Slow subscribers lose events rather than
// blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]models.Scope
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]models.Scope{}}
}

func (h *Hub) Subscribe(scope models.Scope, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = scope
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, scope := range h.subs {
		if scope != "" && scope != evt.Scope {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events discarded because a subscriber buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Publisher forwards committed state changes to a Hub.
type Publisher struct {
	Hub *Hub
}

func (p Publisher) OnChange(_ context.Context, ev protocol.ChangeEvent) {
	if p.Hub == nil {
		return
	}
	p.Hub.Publish(NewEvent(string(ev.Kind), ev.Scope, ev.At, ev))
}

func (Publisher) OnRequest(context.Context, protocol.RequestEvent) {}
