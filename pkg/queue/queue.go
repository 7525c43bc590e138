package queue

import (
	"container/heap"
	"sync"
	"time"
)

// DelayedItem is a value paired with the instant it may be retried
type DelayedItem[T comparable] struct {
	Value     T
	NotBefore time.Time

	index int
}

// RetryQueue holds at most one scheduled retry per value, ordered by
// NotBefore. It is safe for concurrent use.
type RetryQueue[T comparable] struct {
	mu    sync.Mutex
	items itemHeap[T]
	byKey map[T]*DelayedItem[T]
}

// New creates an empty retry queue
func New[T comparable]() *RetryQueue[T] {
	return &RetryQueue[T]{
		byKey: make(map[T]*DelayedItem[T]),
	}
}

// Schedule sets the retry instant for value, replacing any existing entry
func (q *RetryQueue[T]) Schedule(value T, notBefore time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.byKey[value]; ok {
		item.NotBefore = notBefore
		heap.Fix(&q.items, item.index)
		return
	}

	item := &DelayedItem[T]{Value: value, NotBefore: notBefore}
	heap.Push(&q.items, item)
	q.byKey[value] = item
}

// Remove drops the entry for value. It reports whether one existed.
func (q *RetryQueue[T]) Remove(value T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byKey[value]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byKey, value)
	return true
}

// PopDue removes and returns every value whose NotBefore is at or before now,
// earliest first.
func (q *RetryQueue[T]) PopDue(now time.Time) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []T
	for len(q.items) > 0 && !q.items[0].NotBefore.After(now) {
		item := heap.Pop(&q.items).(*DelayedItem[T])
		delete(q.byKey, item.Value)
		due = append(due, item.Value)
	}
	return due
}

// NextWake returns the earliest NotBefore in the queue. ok is false when the
// queue is empty.
func (q *RetryQueue[T]) NextWake() (wake time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].NotBefore, true
}

// Pending reports whether value is scheduled strictly after now
func (q *RetryQueue[T]) Pending(value T, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byKey[value]
	return ok && item.NotBefore.After(now)
}

// Get returns the scheduled entry for value, if any
func (q *RetryQueue[T]) Get(value T) (DelayedItem[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byKey[value]
	if !ok {
		return DelayedItem[T]{}, false
	}
	return DelayedItem[T]{Value: item.Value, NotBefore: item.NotBefore}, true
}

// Len returns the number of scheduled values
func (q *RetryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// itemHeap implements heap.Interface ordered by NotBefore
type itemHeap[T comparable] []*DelayedItem[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	return h[i].NotBefore.Before(h[j].NotBefore)
}

func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	item := x.(*DelayedItem[T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
