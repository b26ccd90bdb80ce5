// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Based on the example in container/heap.
//
// Elements come out in 'before' order.  Elements that are equal
// according to 'before' come out in the order they went in, so
// that anything driven by the queue is deterministic.

package util

import (
	"container/heap"
)

type PriorityQueueT[T any] struct {
	queue priorityQueueT[T]
	count uint64
}

func MakePriorityQueue[T any](before func(x T, y T) bool) *PriorityQueueT[T] {
	return &PriorityQueueT[T]{queue: priorityQueueT[T]{before: before}}
}

func (pq *PriorityQueueT[T]) Len() int {
	return len(pq.queue.entries)
}

func (pq *PriorityQueueT[T]) Empty() bool {
	return len(pq.queue.entries) == 0
}

func (pq *PriorityQueueT[T]) Enqueue(x T) {
	heap.Push(&pq.queue, entryT[T]{value: x, sequence: pq.count})
	pq.count += 1
}

func (pq *PriorityQueueT[T]) Dequeue() T {
	return heap.Pop(&pq.queue).(entryT[T]).value
}

// The next element to be dequeued, which stays in the queue.
func (pq *PriorityQueueT[T]) Peek() T {
	return pq.queue.entries[0].value
}

//----------------------------------------------------------------
// The heap itself.

type entryT[T any] struct {
	value    T
	sequence uint64
}

type priorityQueueT[T any] struct {
	entries []entryT[T]
	before  func(x T, y T) bool
}

func (pq priorityQueueT[T]) Len() int { return len(pq.entries) }

func (pq priorityQueueT[T]) Less(i, j int) bool {
	x := pq.entries[i]
	y := pq.entries[j]
	if pq.before(x.value, y.value) {
		return true
	}
	if pq.before(y.value, x.value) {
		return false
	}
	return x.sequence < y.sequence
}

func (pq priorityQueueT[T]) Swap(i, j int) {
	pq.entries[i], pq.entries[j] = pq.entries[j], pq.entries[i]
}

func (pq *priorityQueueT[T]) Push(x any) {
	pq.entries = append(pq.entries, x.(entryT[T]))
}

func (pq *priorityQueueT[T]) Pop() any {
	entries := pq.entries
	last := len(entries) - 1
	item := entries[last]
	entries[last] = entryT[T]{} // drop the reference
	pq.entries = entries[0:last]
	return item
}
