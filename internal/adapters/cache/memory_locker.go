package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// MemoryLocker serializes callers within one process. The ttl is ignored:
// a holder in the same process releases on every exit path.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: map[string]chan struct{}{}}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: lock %s held: %w", domain.ErrConflict, key, ctx.Err())
	}
}

var _ ports.Locker = (*MemoryLocker)(nil)
