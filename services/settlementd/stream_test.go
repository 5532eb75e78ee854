package settlementd

import (
	"math/big"
	"testing"

	"bithedge/core/events"
)

func TestStreamHubDeliversWireEvents(t *testing.T) {
	hub := NewStreamHub(8)
	updates, cancel, backlog := hub.Subscribe()
	defer cancel()
	if len(backlog) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(backlog))
	}

	hub.Emit(events.BoundarySettled{
		Boundary: 1700000000,
		Token:    "SBTC",
		Price:    big.NewInt(4000000000000),
		Settled:  2,
	})

	select {
	case evt := <-updates:
		if evt.Type != events.TypeBoundarySettled {
			t.Fatalf("unexpected event type %q", evt.Type)
		}
		if evt.Attributes["boundary"] != "1700000000" {
			t.Fatalf("unexpected boundary attribute %q", evt.Attributes["boundary"])
		}
	default:
		t.Fatalf("expected event on subscriber channel")
	}
}

func TestStreamHubReplaysBacklog(t *testing.T) {
	hub := NewStreamHub(2)
	hub.Emit(events.BoundarySettled{Boundary: 100, Token: "SBTC"})
	hub.Emit(events.BoundarySettled{Boundary: 200, Token: "SBTC"})
	hub.Emit(events.BoundarySettled{Boundary: 300, Token: "SBTC"})

	_, cancel, backlog := hub.Subscribe()
	defer cancel()

	if len(backlog) != 2 {
		t.Fatalf("expected backlog capped at 2, got %d", len(backlog))
	}
	if backlog[0].Attributes["boundary"] != "200" {
		t.Fatalf("expected oldest retained boundary 200, got %q", backlog[0].Attributes["boundary"])
	}
	if backlog[1].Attributes["boundary"] != "300" {
		t.Fatalf("expected newest boundary 300, got %q", backlog[1].Attributes["boundary"])
	}
}

func TestStreamHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewStreamHub(4)
	updates, cancel, _ := hub.Subscribe()
	defer cancel()

	// Fill the subscriber buffer past capacity; extra emissions must not block.
	for i := 0; i < 100; i++ {
		hub.Emit(events.BoundarySettled{Boundary: uint64(i), Token: "SBTC"})
	}

	received := 0
	for {
		select {
		case <-updates:
			received++
			continue
		default:
		}
		break
	}
	if received == 0 || received > 64 {
		t.Fatalf("expected bounded delivery, got %d events", received)
	}
}

func TestStreamHubCancelClosesChannel(t *testing.T) {
	hub := NewStreamHub(4)
	updates, cancel, _ := hub.Subscribe()
	cancel()

	if _, ok := <-updates; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	// Emitting after cancel must not panic.
	hub.Emit(events.BoundarySettled{Boundary: 42, Token: "SBTC"})
}

func TestWireEventFallsBackToType(t *testing.T) {
	evt := wireEvent(plainEvent{})
	if evt.Type != "test.plain" {
		t.Fatalf("unexpected wire type %q", evt.Type)
	}
	if len(evt.Attributes) != 0 {
		t.Fatalf("expected no attributes, got %v", evt.Attributes)
	}
}

type plainEvent struct{}

func (plainEvent) EventType() string { return "test.plain" }
