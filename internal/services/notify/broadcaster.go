package notify

import (
	"context"
	"sync"

	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// Broadcaster fans out events to in-process subscribers (the SSE and
// websocket handlers) via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.OrderEvent]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan domain.OrderEvent]struct{}),
		buffer: buffer,
	}
}

func (b *Broadcaster) Name() string { return "broadcast" }

// Deliver publishes the event; it never fails.
func (b *Broadcaster) Deliver(_ context.Context, event domain.OrderEvent) error {
	b.Publish(event)
	return nil
}

// Publish sends the event to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(event domain.OrderEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan domain.OrderEvent {
	ch := make(chan domain.OrderEvent, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan domain.OrderEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
