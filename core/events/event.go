package events

import "sync"

// Event represents a structured state change emitted by the settlement ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (journal, stream, tests).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into engines until a real sink is attached.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Collector accumulates emitted events in order. Used by tests and by the
// daemon to fan events into its journal and stream.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// Drain returns the collected events and resets the collector.
func (c *Collector) Drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.events
	c.events = nil
	return drained
}

// FuncEmitter adapts a function to the Emitter interface.
type FuncEmitter func(Event)

// Emit implements the Emitter interface.
func (f FuncEmitter) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
