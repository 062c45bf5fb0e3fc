package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	// subscriberBuffer must be at least replayPerRun so a replayed history
	// always fits in a fresh subscriber channel.
	subscriberBuffer = 64
	replayPerRun     = 32
)

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub. It keeps a short replay buffer per
// live run, so a subscriber that attaches mid-run receives the recent
// transition history before live events.
type MemoryHub struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	replay  map[string][]StreamEvent
	nextID  uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		replay: make(map[string][]StreamEvent),
	}
}

// Publish buffers the event for replay and fans it out to matching
// subscribers. Delivery is non-blocking: a full subscriber channel drops
// the event rather than stalling the run.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer(event)

	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// buffer appends the event to its run's replay window. A finished run's
// window is released, so the hub only holds history for live runs.
func (h *MemoryHub) buffer(event StreamEvent) {
	if event.RunID == "" {
		return
	}
	if event.EventType == EventRunFinished {
		delete(h.replay, event.RunID)
		return
	}
	window := append(h.replay[event.RunID], event)
	if len(window) > replayPerRun {
		window = window[len(window)-replayPerRun:]
	}
	h.replay[event.RunID] = window
}

// Subscribe registers a subscription for events matching the filter. When
// the filter names a run, that run's replay window is delivered first. The
// returned cancel function releases the subscription; the channel is never
// closed by the hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, subscriberBuffer)

	h.mu.Lock()
	if filter.RunID != "" {
		for _, event := range h.replay[filter.RunID] {
			if filter.matches(event) {
				ch <- event
			}
		}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// Dropped reports how many events were discarded because a subscriber
// could not keep up.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
