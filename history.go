package main

import "sync"

// history is an append-only measurement log with an optional cap. Once the
// cap is reached the oldest entries are dropped.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int // 0 = unbounded
}

func newHistory[T any](limit int) *history[T] {
	return &history[T]{limit: limit}
}

func (h *history[T]) add(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, item)
	if h.limit > 0 && len(h.items) > h.limit {
		// Copy down so the backing array does not grow without bound
		n := copy(h.items, h.items[len(h.items)-h.limit:])
		clear(h.items[n:])
		h.items = h.items[:n]
	}
}

// latest returns up to n most recent items, oldest first. n <= 0 returns all.
func (h *history[T]) latest(n int) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if n > 0 && n < len(h.items) {
		start = len(h.items) - n
	}
	out := make([]T, len(h.items)-start)
	copy(out, h.items[start:])
	return out
}

func (h *history[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}
