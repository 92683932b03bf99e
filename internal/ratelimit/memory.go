package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a process-local fixed-window limiter. Counters are lost on
// restart.
type MemoryLimiter struct {
	quotas   map[Bucket]Quota
	counters sync.Map // string -> *window
	now      func() time.Time
}

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// removed is set by Sweep once the window is no longer in counters.
	removed bool
}

// NewMemoryLimiter builds a limiter for the given quotas.
func NewMemoryLimiter(quotas map[Bucket]Quota) *MemoryLimiter {
	cp := make(map[Bucket]Quota, len(quotas))
	for b, q := range quotas {
		cp[b] = q
	}
	return &MemoryLimiter{quotas: cp, now: time.Now}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, bucket Bucket, clientKey string) (Decision, error) {
	quota, ok := l.quotas[bucket]
	if !ok {
		return Decision{}, ErrUnknownBucket
	}
	now := l.now()
	key := counterKey(bucket, clientKey)

	for {
		v, _ := l.counters.LoadOrStore(key, &window{})
		w := v.(*window)

		w.mu.Lock()
		if w.removed {
			w.mu.Unlock()
			continue
		}
		if !now.Before(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(quota.Window)
		}
		w.count++
		d := newDecision(quota, int64(w.count), now, w.resetAt)
		w.mu.Unlock()
		return d, nil
	}
}

// Sweep drops counters whose window has elapsed. Removal happens under the
// window lock, so Allow never counts into a dropped window.
func (l *MemoryLimiter) Sweep() {
	now := l.now()
	l.counters.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		if !now.Before(w.resetAt) && l.counters.CompareAndDelete(key, value) {
			w.removed = true
		}
		w.mu.Unlock()
		return true
	})
}

// StartSweeper runs Sweep every interval until ctx is done.
func (l *MemoryLimiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
