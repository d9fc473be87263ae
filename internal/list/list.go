// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package list provides an intrusive, order-preserving FIFO queue.
//
// It backs Connection's outbound send queue: messages must be delivered in
// enqueue order (spec invariant 2). PushFront re-inserts at the head; the
// send path does not use it, since a partially sent message stays in
// Connection.sending rather than going back into the queue.
package list

// List is a singly-linked FIFO. The zero value is an empty, ready-to-use
// list.
type List[T any] struct {
	head, tail *node[T]
	length     int
}

type node[T any] struct {
	val  T
	next *node[T]
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int { return l.length }

// PushBack enqueues v at the tail.
func (l *List[T]) PushBack(v T) {
	n := &node[T]{val: v}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		l.tail.next = n
		l.tail = n
	}
	l.length++
}

// PushFront re-inserts v at the head, ahead of every queued element.
func (l *List[T]) PushFront(v T) {
	n := &node[T]{val: v, next: l.head}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.length++
}

// PopFront removes and returns the head element. ok is false on an empty
// list.
func (l *List[T]) PopFront() (v T, ok bool) {
	if l.head == nil {
		return v, false
	}
	n := l.head
	l.head = n.next
	if l.head == nil {
		l.tail = nil
	}
	l.length--
	return n.val, true
}

// Drain removes every element, invoking fn on each in FIFO order. Used when
// a connection fails and every queued message's resources must be released.
func (l *List[T]) Drain(fn func(T)) {
	for {
		v, ok := l.PopFront()
		if !ok {
			return
		}
		fn(v)
	}
}
