package sync

import (
	"context"
	stdsync "sync"
)

// keyedMutex hands out one mutex per key, created lazily and reclaimed when
// the last waiter releases, so the map stays bounded by in-flight keys.
type keyedMutex struct {
	mu      stdsync.Mutex
	entries map[string]*kmEntry
}

type kmEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*kmEntry)}
}

// Lock acquires the mutex for key, honoring context cancellation while
// waiting. The returned function releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &kmEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	return func() {
		<-e.ch
		k.release(key, e)
	}, nil
}

func (k *keyedMutex) release(key string, e *kmEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
