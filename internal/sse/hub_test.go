package sse

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestHub() *SSEHub {
	return &SSEHub{
		eventBuf: NewRingBuffer(defaultRingBufferSize),
		logger:   zap.NewNop(),
		stopCh:   make(chan struct{}),
	}
}

func TestBroadcast_AllClientsReceive(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	clientA := NewClient("acct-1", "reseller")
	clientB := NewClient("acct-2", "owner")
	hub.Register(clientA)
	hub.Register(clientB)

	event := NewEvent(EventSystemAlert, map[string]any{"title": "maintenance"})
	hub.Broadcast(event)

	assertEventType(t, clientA.Ch, EventSystemAlert)
	assertEventType(t, clientB.Ch, EventSystemAlert)
}

func TestSendToRole_OnlyMatchingRoleReceives(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	owner := NewClient("owner-1", "owner")
	reseller := NewClient("reseller-1", "reseller")
	hub.Register(owner)
	hub.Register(reseller)

	event := NewEvent(EventSystemAlert, map[string]any{"title": "low balance"})
	hub.SendToRole("owner", event)

	assertEventType(t, owner.Ch, EventSystemAlert)
	assertNoEvent(t, reseller.Ch)
}

func TestSendToAccount_PreciseDelivery(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	target := NewClient("target", "reseller")
	other := NewClient("other", "reseller")
	hub.Register(target)
	hub.Register(other)

	event := NewEvent(EventBalanceUpdate, map[string]any{"balance": 120})
	hub.SendToAccount("target", event)

	assertEventType(t, target.Ch, EventBalanceUpdate)
	assertNoEvent(t, other.Ch)
}

func TestRegister_ReplacesExistingConnection(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	first := NewClient("acct-1", "reseller")
	second := NewClient("acct-1", "reseller")
	hub.Register(first)
	hub.Register(second)

	select {
	case <-first.Done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected first connection to be closed on re-register")
	}

	event := NewEvent(EventKeyUpdate, map[string]any{"action": "issued"})
	hub.SendToAccount("acct-1", event)
	assertEventType(t, second.Ch, EventKeyUpdate)
}

func TestBackpressure_SlowClientDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	slow := &SSEClient{
		AccountID: "slow",
		Role:      "reseller",
		Ch:        make(chan SSEEvent, 1),
		Done:      make(chan struct{}),
	}
	fast := &SSEClient{
		AccountID: "fast",
		Role:      "reseller",
		Ch:        make(chan SSEEvent, 1),
		Done:      make(chan struct{}),
	}
	// Fill slow client queue so dispatch takes non-blocking fallback path.
	slow.Ch <- NewEvent(EventHeartbeat, map[string]any{"seed": true})

	hub.Register(slow)
	hub.Register(fast)

	event := NewEvent(EventStatusUpdate, map[string]any{"status": "active"})
	hub.Broadcast(event)

	assertEventType(t, fast.Ch, EventStatusUpdate)
}

func TestRingBuffer_Since_ReturnsCorrectEvents(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(10)
	rb.Push(SSEEvent{ID: "1", Type: EventHeartbeat})
	rb.Push(SSEEvent{ID: "2", Type: EventBalanceUpdate})
	rb.Push(SSEEvent{ID: "3", Type: EventKeyUpdate})

	events := rb.Since("1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events after id=1, got %d", len(events))
	}
	if events[0].ID != "2" || events[1].ID != "3" {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
}

func TestRingBuffer_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(3)
	rb.Push(SSEEvent{ID: "1", Type: EventHeartbeat})
	rb.Push(SSEEvent{ID: "2", Type: EventBalanceUpdate})
	rb.Push(SSEEvent{ID: "3", Type: EventKeyUpdate})
	rb.Push(SSEEvent{ID: "4", Type: EventCodeRedeemed})

	events := rb.Since("")
	if len(events) != 3 {
		t.Fatalf("expected 3 events in ring buffer, got %d", len(events))
	}
	if events[0].ID != "2" || events[1].ID != "3" || events[2].ID != "4" {
		t.Fatalf("unexpected buffer contents after eviction: %+v", events)
	}
}

func assertEventType(t *testing.T, ch <-chan SSEEvent, wantType string) {
	t.Helper()
	select {
	case event := <-ch:
		if event.Type != wantType {
			t.Fatalf("expected event type %q, got %q", wantType, event.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event type %q", wantType)
	}
}

func assertNoEvent(t *testing.T, ch <-chan SSEEvent) {
	t.Helper()
	select {
	case event := <-ch:
		t.Fatalf("expected no event, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
