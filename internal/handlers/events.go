package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sshevents"
)

// subscriberBuffer is the per-subscriber queue length. A subscriber that falls
// this far behind loses events rather than stalling the pump.
const subscriberBuffer = 256

// Hub fans events drained from the bus out to websocket subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription receives the events accepted by its filter.
type Subscription struct {
	C       <-chan sshevents.Event
	ch      chan sshevents.Event
	filter  func(sshevents.Event) bool
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events were discarded because the subscriber was
// not keeping up.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. A nil filter accepts every event.
func (h *Hub) Subscribe(filter func(sshevents.Event) bool) *Subscription {
	ch := make(chan sshevents.Event, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, filter: filter}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev sshevents.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// EventsHub is set from main.go during init.
var EventsHub *Hub

// EventStreamWS streams events as JSON text frames.
//
// Query parameters:
//
//	connection_id - only events of this connection
//	terminal_id   - only events of this terminal
//	data          - "false" to leave out Data events
func EventStreamWS(w http.ResponseWriter, r *http.Request) {
	if EventsHub == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream not initialized")
		return
	}

	q := r.URL.Query()
	connID := q.Get("connection_id")
	termID := q.Get("terminal_id")
	withData := q.Get("data") != "false"

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] failed to accept event websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	sub := EventsHub.Subscribe(func(ev sshevents.Event) bool {
		if connID != "" && ev.ConnectionID != connID {
			return false
		}
		if termID != "" && ev.TerminalID != termID {
			return false
		}
		return withData || ev.Type != sshevents.EventData
	})
	defer EventsHub.Unsubscribe(sub)

	log.Printf("[api] event stream opened (connection=%q terminal=%q)",
		logging.Sanitize(connID), logging.Sanitize(termID))

	// clients never send; CloseRead notices when they go away
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, sub); err != nil && ctx.Err() == nil {
		log.Printf("[api] event stream: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func streamEvents(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return err
			}
		}
	}
}
