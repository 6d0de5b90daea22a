// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "sync"

// RingBuffer keeps the most recent items pushed to it.
//
// # Description
//
// A rollout execution keeps its last events here and the bisect test
// runner keeps the tail of command output. Once capacity is reached every
// push overwrites the oldest item. Total counts every push, so callers can
// say how much history was lost.
//
// # Thread Safety
//
// RingBuffer is safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	slots []T
	next  int
	total int64
}

// NewRingBuffer creates a buffer with room for capacity items. Capacities
// below one are raised to one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{slots: make([]T, 0, max(capacity, 1))}
}

// Push stores an item, evicting the oldest one when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if len(r.slots) < cap(r.slots) {
		r.slots = append(r.slots, item)
		return
	}
	r.slots[r.next] = item
	r.next = (r.next + 1) % len(r.slots)
}

// ToSlice returns a copy of the buffered items, oldest first.
func (r *RingBuffer[T]) ToSlice() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.slots))
	out = append(out, r.slots[r.next:]...)
	return append(out, r.slots[:r.next]...)
}

// Len returns the number of buffered items.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Total returns how many items were ever pushed.
func (r *RingBuffer[T]) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Dropped returns how many items were evicted.
func (r *RingBuffer[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total - int64(len(r.slots))
}
