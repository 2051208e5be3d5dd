// Package lock serializes work on a business id (or review entry) across
// workers. Keys are always taken in sorted order, and a context remembers the
// keys it holds so nested acquisitions on the same keys do not deadlock.
package lock

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired in time
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lock that is not held
	ErrLockNotHeld = errors.New("lock not held")
)

// Handle releases one acquired key.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker acquires a single key, waiting up to timeout. ttl bounds how long a
// crashed holder can keep the key where the backend supports expiry.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Handle, error)
}

// Options bounds lock acquisition.
type Options struct {
	TTL     time.Duration
	Timeout time.Duration
}

// BusinessKey is the per-record lock key.
func BusinessKey(id string) string {
	return "business:" + id
}

// ReviewKey is the per-review-entry lock key.
func ReviewKey(id string) string {
	return "review:" + id
}

type heldKeysKey struct{}

// Held reports whether ctx already holds key.
func Held(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKeysKey{}).(map[string]struct{})
	_, ok := held[key]
	return ok
}

// Acquire takes keys in sorted order, skipping any already held by ctx. The
// returned context carries the full held set; the release func frees only the
// keys this call took. On failure nothing stays held.
func Acquire(ctx context.Context, locker Locker, opts Options, keys ...string) (context.Context, func(context.Context), error) {
	wanted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup || Held(ctx, k) {
			continue
		}
		seen[k] = struct{}{}
		wanted = append(wanted, k)
	}
	sort.Strings(wanted)

	handles := make([]Handle, 0, len(wanted))
	release := func(ctx context.Context) {
		for i := len(handles) - 1; i >= 0; i-- {
			_ = handles[i].Release(context.WithoutCancel(ctx))
		}
	}

	for _, k := range wanted {
		h, err := locker.TryAcquire(ctx, k, opts.TTL, opts.Timeout)
		if err != nil {
			release(ctx)
			return ctx, func(context.Context) {}, err
		}
		handles = append(handles, h)
	}

	if len(wanted) == 0 {
		return ctx, func(context.Context) {}, nil
	}

	prev, _ := ctx.Value(heldKeysKey{}).(map[string]struct{})
	held := make(map[string]struct{}, len(prev)+len(wanted))
	for k := range prev {
		held[k] = struct{}{}
	}
	for _, k := range wanted {
		held[k] = struct{}{}
	}
	return context.WithValue(ctx, heldKeysKey{}, held), release, nil
}
