// Package heap provides a generic priority queue built on container/heap,
// used wherever a component needs a total order over pending work rather
// than FIFO delivery (piece scheduling is the only current user).
package heap

import "container/heap"

// PriorityQueue orders values of type T by a caller-supplied Less function;
// Dequeue always returns the least element under that ordering.
type PriorityQueue[T any] struct {
	items []*item[T]
	less  func(a, b T) bool
}

type item[T any] struct {
	value T
	index int
}

// NewPriorityQueue returns an empty queue ordered by less.
func NewPriorityQueue[T any](less func(a, b T) bool) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{less: less}
	heap.Init(pq)
	return pq
}

func (pq *PriorityQueue[T]) Len() int { return len(pq.items) }

func (pq *PriorityQueue[T]) Less(i, j int) bool {
	return pq.less(pq.items[i].value, pq.items[j].value)
}

func (pq *PriorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *PriorityQueue[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(pq.items)
	pq.items = append(pq.items, it)
}

func (pq *PriorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	pq.items = old[:n-1]
	return it
}

// Enqueue adds value to the queue.
func (pq *PriorityQueue[T]) Enqueue(value T) {
	heap.Push(pq, &item[T]{value: value})
}

// Dequeue removes and returns the least element, or false if the queue is
// empty.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}
	it := heap.Pop(pq).(*item[T])
	return it.value, true
}

// Peek returns the least element without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.items[0].value, true
}
