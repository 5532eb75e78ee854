package settlementd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"bithedge/core/events"
	"bithedge/core/types"
)

const wsWriteTimeout = 10 * time.Second

// broadcastable is satisfied by every engine event payload that can render
// itself as a wire event.
type broadcastable interface {
	Event() *types.Event
}

// StreamHub fans engine events out to websocket subscribers. A bounded
// backlog lets a client connecting between boundaries replay the most recent
// emissions before the live feed takes over.
type StreamHub struct {
	mu          sync.Mutex
	subscribers map[uint64]chan *types.Event
	nextID      uint64
	backlog     []*types.Event
	capacity    int
}

// NewStreamHub constructs a hub retaining up to capacity recent events.
func NewStreamHub(capacity int) *StreamHub {
	if capacity <= 0 {
		capacity = 256
	}
	return &StreamHub{
		subscribers: make(map[uint64]chan *types.Event),
		capacity:    capacity,
	}
}

// wireEvent renders an engine event in its wire representation.
func wireEvent(evt events.Event) *types.Event {
	if payload, ok := evt.(broadcastable); ok {
		if wire := payload.Event(); wire != nil {
			return wire
		}
	}
	return &types.Event{Type: evt.EventType()}
}

// Emit implements the events.Emitter interface. Slow subscribers drop events
// rather than stall the settlement path.
func (h *StreamHub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	wire := wireEvent(evt)

	h.mu.Lock()
	h.backlog = append(h.backlog, wire)
	if len(h.backlog) > h.capacity {
		h.backlog = h.backlog[len(h.backlog)-h.capacity:]
	}
	for _, sub := range h.subscribers {
		select {
		case sub <- wire.Copy():
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a listener and returns its channel, a cancel function
// and a copy of the current backlog.
func (h *StreamHub) Subscribe() (<-chan *types.Event, func(), []*types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan *types.Event, 64)
	h.subscribers[id] = ch
	backlog := make([]*types.Event, len(h.backlog))
	for i, evt := range h.backlog {
		backlog[i] = evt.Copy()
	}
	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel, backlog
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := h.stream(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *StreamHub) stream(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel, backlog := h.Subscribe()
	defer cancel()

	for _, evt := range backlog {
		if err := writeStreamEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
