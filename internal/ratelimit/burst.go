package ratelimit

import (
	"sync"
	"time"
)

// BurstLimiter bounds how many messages one thread may send within a
// sliding window.
type BurstLimiter struct {
	Max    int
	Window time.Duration

	mu      sync.Mutex
	threads map[string][]time.Time
}

// NewBurstLimiter allows at most max messages per window per thread.
func NewBurstLimiter(max int, window time.Duration) *BurstLimiter {
	return &BurstLimiter{Max: max, Window: window, threads: make(map[string][]time.Time)}
}

// recent returns the timestamps still inside the window ending at now.
// Caller holds mu.
func (b *BurstLimiter) recent(threadID string, now time.Time) []time.Time {
	ts := b.threads[threadID]
	cutoff := now.Add(-b.Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// Allow reports whether threadID may send another message at now and,
// if not, how long until the oldest message leaves the window. An empty
// thread id has no history and is always allowed.
func (b *BurstLimiter) Allow(threadID string, now time.Time) (bool, time.Duration) {
	if threadID == "" || b.Max <= 0 {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allow(b.recent(threadID, now), now)
}

// allow evaluates ts, the thread's in-window history. Caller holds mu.
func (b *BurstLimiter) allow(ts []time.Time, now time.Time) (bool, time.Duration) {
	if len(ts) < b.Max {
		return true, 0
	}
	retry := ts[len(ts)-b.Max].Add(b.Window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return false, retry
}

// TryRecord takes a slot for threadID at now if the window has room.
// The check and the append happen under one lock, so concurrent callers
// can never overfill a window. On rejection it returns how long until a
// slot frees up.
func (b *BurstLimiter) TryRecord(threadID string, now time.Time) (bool, time.Duration) {
	if threadID == "" || b.Max <= 0 {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.recent(threadID, now)
	if ok, retry := b.allow(ts, now); !ok {
		return false, retry
	}
	b.store(threadID, append(ts, now))
	return true, 0
}

// Record appends a message at now unconditionally, keeping at most Max
// timestamps.
func (b *BurstLimiter) Record(threadID string, now time.Time) {
	if threadID == "" || b.Max <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store(threadID, append(b.recent(threadID, now), now))
}

// Release gives back a slot taken at the given time.
func (b *BurstLimiter) Release(threadID string, at time.Time) {
	if threadID == "" || b.Max <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.threads[threadID]
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Equal(at) {
			b.store(threadID, append(ts[:i:i], ts[i+1:]...))
			return
		}
	}
}

// store replaces the thread's history with a trimmed copy of ts. Caller
// holds mu.
func (b *BurstLimiter) store(threadID string, ts []time.Time) {
	if len(ts) > b.Max {
		ts = ts[len(ts)-b.Max:]
	}
	b.threads[threadID] = append([]time.Time(nil), ts...)
}

// Sweep forgets threads with no message inside the window ending at
// now and returns how many were dropped.
func (b *BurstLimiter) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id := range b.threads {
		if len(b.recent(id, now)) == 0 {
			delete(b.threads, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked threads.
func (b *BurstLimiter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads)
}
