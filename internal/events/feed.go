// Package events provides typed in-process subscribe/notify feeds used by the
// stores to announce state changes to their consumers.
package events

import "sync"

// Handler receives published values.
type Handler[T any] func(T)

// Feed fans a value out to every subscriber in subscription order. Publish is
// synchronous; handlers must not block on the publisher.
type Feed[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription[T]
}

type subscription[T any] struct {
	id int
	fn Handler[T]
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (f *Feed[T]) Subscribe(fn Handler[T]) func() {
	if fn == nil {
		return func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscription[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s.id == id {
					f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to a snapshot of the current subscribers.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	snapshot := make([]Handler[T], 0, len(f.subs))
	for _, s := range f.subs {
		snapshot = append(snapshot, s.fn)
	}
	f.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
