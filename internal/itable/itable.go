// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package itable provides an insertion-ordered set with O(1) membership
// tests and O(1) removal, and a stable iteration order across successive
// snapshots.
//
// PollGroup relies on this: poll_wait must build a pollfd array whose
// indices line up with the same connections on every pass, and Go's builtin
// map does not promise that (map iteration order is randomized). Table keeps
// an explicit backing slice alongside the index map so Snapshot always walks
// members in the order they were added, with tombstones compacted lazily.
package itable

// Table is an insertion-ordered set of comparable keys.
type Table[K comparable] struct {
	order []K
	index map[K]int // key -> position in order; removed keys are deleted, leaving a zero-value tombstone in order
	live  int
}

// New returns an empty Table.
func New[K comparable]() *Table[K] {
	return &Table[K]{index: make(map[K]int)}
}

// Add inserts k. It is a no-op if k is already present.
func (t *Table[K]) Add(k K) {
	if pos, ok := t.index[k]; ok && pos >= 0 {
		return
	}
	t.index[k] = len(t.order)
	t.order = append(t.order, k)
	t.live++
	t.compactIfSparse()
}

// Remove deletes k. It is a no-op if k is not present.
func (t *Table[K]) Remove(k K) {
	pos, ok := t.index[k]
	if !ok || pos < 0 {
		return
	}
	delete(t.index, k)
	t.order[pos] = zero[K]()
	t.live--
	t.compactIfSparse()
}

// Contains reports whether k is a member.
func (t *Table[K]) Contains(k K) bool {
	pos, ok := t.index[k]
	return ok && pos >= 0
}

// Len returns the number of live members.
func (t *Table[K]) Len() int { return t.live }

// Snapshot returns members in stable insertion order. The returned slice is
// owned by the caller; Table never mutates it.
func (t *Table[K]) Snapshot() []K {
	out := make([]K, 0, t.live)
	for i, k := range t.order {
		if pos, ok := t.index[k]; ok && pos == i {
			out = append(out, k)
		}
	}
	return out
}

// Pop removes and returns one member in insertion order, for callers that
// want to drain the set (e.g. poll_acceptable/poll_readable/poll_error
// single-item accessors). ok is false on an empty table.
func (t *Table[K]) Pop() (k K, ok bool) {
	for i, v := range t.order {
		if pos, present := t.index[v]; present && pos == i {
			t.Remove(v)
			return v, true
		}
	}
	return k, false
}

// compactIfSparse rebuilds the backing slice once tombstones dominate it, so
// long-lived poll groups with heavy churn don't grow order unboundedly.
func (t *Table[K]) compactIfSparse() {
	if len(t.order) < 64 || t.live*2 > len(t.order) {
		return
	}
	fresh := make([]K, 0, t.live)
	for _, k := range t.order {
		if _, ok := t.index[k]; ok {
			t.index[k] = len(fresh)
			fresh = append(fresh, k)
		}
	}
	t.order = fresh
}

func zero[K comparable]() K {
	var z K
	return z
}
