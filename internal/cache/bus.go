package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
)

// Handler consumes a change event that survived debouncing.
type Handler func(ctx context.Context, change subscriptions.ChangeEvent)

// Bus is the single funnel for subscription change signals. Both producers
// (the realtime push adapter and manual re-fetch triggers) publish here so the
// debounce and dedup logic lives in exactly one place.
type Bus struct {
	mu      sync.Mutex
	window  time.Duration
	seen    map[string]time.Time
	handler Handler
	now     func() time.Time
}

// NewBus builds a bus that coalesces duplicate events inside window and hands
// survivors to handler.
func NewBus(window time.Duration, handler Handler) *Bus {
	return &Bus{
		window:  window,
		seen:    make(map[string]time.Time),
		handler: handler,
		now:     time.Now,
	}
}

// Publish forwards the change to the handler unless an identical
// (kind, row id, updated_at) triple was already seen inside the coalescing
// window. Rapid-fire provider notifications for one logical change collapse
// into a single downstream re-fetch.
func (b *Bus) Publish(ctx context.Context, change subscriptions.ChangeEvent) {
	if b == nil || b.handler == nil {
		return
	}
	key := debounceKey(change)

	b.mu.Lock()
	now := b.now()
	last, dup := b.seen[key]
	if dup && now.Sub(last) < b.window {
		b.mu.Unlock()
		return
	}
	b.seen[key] = now
	b.prune(now)
	b.mu.Unlock()

	b.handler(ctx, change)
}

// prune drops expired entries so the seen map does not grow with event volume.
// Callers hold b.mu.
func (b *Bus) prune(now time.Time) {
	for key, at := range b.seen {
		if now.Sub(at) >= b.window {
			delete(b.seen, key)
		}
	}
}

func debounceKey(change subscriptions.ChangeEvent) string {
	return fmt.Sprintf("%s|%s|%d", change.Kind, change.RowID, change.UpdatedAt.UnixNano())
}
