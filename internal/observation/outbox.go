package observation

import (
	"context"
	"sync"

	"detour/internal/domain"
)

// Outbox holds observations whose write failed until the next Flush. It is
// bounded: once full, the oldest pending entry is dropped to make room.
type Outbox struct {
	mu      sync.Mutex
	cap     int
	pending []domain.Observation
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{cap: capacity}
}

// Enqueue adds o and reports whether an older entry had to be dropped.
func (b *Outbox) Enqueue(o domain.Observation) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.cap {
		b.pending = b.pending[1:]
		dropped = true
	}
	b.pending = append(b.pending, o)
	return dropped
}

func (b *Outbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns a copy of the queued entries, oldest first.
func (b *Outbox) Pending() []domain.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Observation(nil), b.pending...)
}

// Flush hands every queued entry to write, one at a time. Entries whose write
// fails stay queued ahead of anything enqueued meanwhile; the rest are removed.
func (b *Outbox) Flush(ctx context.Context, write func(context.Context, domain.Observation) error) (synced, remaining int) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	var failed []domain.Observation
	for i, o := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		if err := write(ctx, o); err != nil {
			failed = append(failed, o)
			continue
		}
		synced++
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	merged := append(failed, b.pending...)
	if over := len(merged) - b.cap; over > 0 {
		merged = merged[over:]
	}
	b.pending = merged
	return synced, len(b.pending)
}
