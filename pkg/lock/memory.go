package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process keyed mutex, used when no Redis is configured.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
}

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

type memoryHandle struct {
	locker *MemoryLocker
	key    string
	once   sync.Once
}

// NewMemoryLocker creates a new MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryEntry)}
}

// TryAcquire waits up to timeout for key. The ttl is ignored; the lock is
// held until released.
func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, _ time.Duration, timeout time.Duration) (Handle, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &memoryEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return &memoryHandle{locker: l, key: key}, nil
	case <-timer.C:
		l.unref(key)
		return nil, ErrLockNotAcquired
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (h *memoryHandle) Release(_ context.Context) error {
	err := ErrLockNotHeld
	h.once.Do(func() {
		h.locker.mu.Lock()
		e, ok := h.locker.locks[h.key]
		h.locker.mu.Unlock()
		if !ok {
			return
		}
		<-e.sem
		h.locker.unref(h.key)
		err = nil
	})
	return err
}
