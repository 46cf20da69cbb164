package sse

import (
	"strconv"
	"sync"
)

const defaultRingBufferSize = 1000

// RingBuffer retains the most recent events so a reconnecting stream
// can catch up via Last-Event-ID. Event IDs are the hub's monotonic
// sequence numbers, which makes replay a plain filter over the window.
type RingBuffer struct {
	mu    sync.RWMutex
	items []SSEEvent
	head  int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultRingBufferSize
	}

	return &RingBuffer{items: make([]SSEEvent, 0, capacity)}
}

// Push appends the event, evicting the oldest one once the window is
// full.
func (rb *RingBuffer) Push(event SSEEvent) {
	if rb == nil {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.items) < cap(rb.items) {
		rb.items = append(rb.items, event)
		return
	}

	rb.items[rb.head] = event
	rb.head = (rb.head + 1) % len(rb.items)
}

// Since returns the buffered events newer than lastID, oldest first.
// An empty or unparsable lastID replays the whole window: sending too
// much beats silently dropping what the client missed.
func (rb *RingBuffer) Since(lastID string) []SSEEvent {
	if rb == nil {
		return nil
	}

	afterSeq, filtering := parseEventSeq(lastID)

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.items) == 0 {
		return nil
	}

	out := make([]SSEEvent, 0, len(rb.items))
	for i := 0; i < len(rb.items); i++ {
		item := rb.items[(rb.head+i)%len(rb.items)]
		if filtering {
			seq, ok := parseEventSeq(item.ID)
			if !ok || seq <= afterSeq {
				continue
			}
		}
		out = append(out, item)
	}

	return out
}

func parseEventSeq(id string) (int64, bool) {
	if id == "" {
		return 0, false
	}
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
