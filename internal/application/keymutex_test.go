package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camposec/vigil/internal/domain"
)

func TestKeyMutexSerializesSameKey(t *testing.T) {
	km := newKeyMutex()
	ctx := context.Background()

	release, err := km.acquire(ctx, "ABC123", time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = km.acquire(ctx, "ABC123", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy while held, got %v", err)
	}

	// A different key is independent.
	otherRelease, err := km.acquire(ctx, "XYZ987", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("other key acquire: %v", err)
	}
	otherRelease()

	release()
	release2, err := km.acquire(ctx, "ABC123", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestKeyMutexReleasesSlotMemory(t *testing.T) {
	km := newKeyMutex()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.acquire(ctx, "ABC123", time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			release()
		}()
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.slots) != 0 {
		t.Fatalf("expected empty slot map after all releases, got %d entries", len(km.slots))
	}
}

func TestKeyMutexHonorsContextCancel(t *testing.T) {
	km := newKeyMutex()

	release, err := km.acquire(context.Background(), "ABC123", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = km.acquire(ctx, "ABC123", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
