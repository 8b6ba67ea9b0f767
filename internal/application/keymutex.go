package application

import (
	"context"
	"sync"
	"time"

	"github.com/camposec/vigil/internal/domain"
)

// keyMutex serializes work per vehicle key. Slots are reference counted so
// the map does not grow with every plate ever seen.
type keyMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	sem  chan struct{}
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{slots: make(map[string]*keySlot)}
}

// acquire blocks until the key's slot is free, the timeout elapses, or ctx is
// done. On timeout it returns domain.ErrBusy. The returned release function
// must be called exactly once.
func (k *keyMutex) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keySlot{sem: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			k.put(key, slot)
		}, nil
	case <-timer.C:
		k.put(key, slot)
		return nil, domain.ErrBusy
	case <-ctx.Done():
		k.put(key, slot)
		return nil, ctx.Err()
	}
}

func (k *keyMutex) put(key string, slot *keySlot) {
	k.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
