package notify

import (
	"log"
	"sync"
	"time"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// RotatedEvent announces a fresh credential for a session.
type RotatedEvent struct {
	SessionID  string
	Credential string
	ExpiresAt  time.Time
}

// ConsumedEvent announces a successful check-in together with the session's
// running tally.
type ConsumedEvent struct {
	SessionID string
	Record    model.ConsumptionRecord
	Tally     int
}

// Sink receives engine events. Delivery is fire-and-forget, at most once; a
// missed UI update is acceptable, so implementations must never block the
// caller.
type Sink interface {
	CredentialRotated(ev RotatedEvent)
	CheckinRecorded(ev ConsumedEvent)
}

// Hub fans events out to subscribers over buffered channels. A slow or dead
// subscriber loses events instead of stalling a rotation tick.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// Event is the tagged union carried on subscriber channels; exactly one of
// Rotated/Consumed is set.
type Event struct {
	Rotated  *RotatedEvent
	Consumed *ConsumedEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed on cancel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *Hub) CredentialRotated(ev RotatedEvent) {
	h.publish(Event{Rotated: &ev})
}

func (h *Hub) CheckinRecorded(ev ConsumedEvent) {
	h.publish(Event{Consumed: &ev})
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("metric=notify_dropped subscriber=%d", id)
		}
	}
}
