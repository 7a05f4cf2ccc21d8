// Package event provides a small typed observer used for the pipeline's
// segment and speaker-change notifications.
//
// Subscribers are kept in a linked list so that unsubscribing is O(1).
// Emit snapshots the subscriber list and invokes callbacks without holding
// the lock, so a callback may subscribe or unsubscribe (itself or others)
// while it runs. A subscriber removed during an Emit is not called again by
// that Emit once removal has happened.
package event

import (
	"container/list"
	"sync"
)

// Observer fans out values of type T to registered callbacks. The zero value
// is ready to use. Safe for concurrent use.
type Observer[T any] struct {
	mu   sync.Mutex
	subs list.List
}

type subscription[T any] struct {
	fn     func(T)
	active bool
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is safe.
func (o *Observer[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sub := &subscription[T]{fn: fn, active: true}
	elem := o.subs.PushBack(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub.active {
				sub.active = false
				o.subs.Remove(elem)
			}
		})
	}
}

// Emit delivers v to every subscriber in registration order.
func (o *Observer[T]) Emit(v T) {
	o.mu.Lock()
	snapshot := make([]*subscription[T], 0, o.subs.Len())
	for e := o.subs.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*subscription[T]))
	}
	o.mu.Unlock()

	for _, sub := range snapshot {
		o.mu.Lock()
		active := sub.active
		o.mu.Unlock()
		if active {
			sub.fn(v)
		}
	}
}

// Len returns the number of active subscribers.
func (o *Observer[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subs.Len()
}

// Clear removes every subscriber.
func (o *Observer[T]) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for e := o.subs.Front(); e != nil; e = e.Next() {
		e.Value.(*subscription[T]).active = false
	}
	o.subs.Init()
}
