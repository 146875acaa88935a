package types

import (
	"iter"
	"slices"
	"sync"
)

// Subscribers keeps callbacks in registration order.
type Subscribers[T any] struct {
	mu     sync.RWMutex
	subs   []subscriber[T]
	nextID uint64
}

type subscriber[T any] struct {
	id uint64
	fn T
}

// Add registers the callback and returns a function that removes it.
// The returned function is safe to call multiple times.
func (s *Subscribers[T]) Add(fn T) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber[T]{id, fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscriber[T]) bool { return sub.id == id })
			s.mu.Unlock()
		})
	}
}

// Len returns the number of registered callbacks.
func (s *Subscribers[T]) Len() int {
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// All iterates over a copy of the registered callbacks.
func (s *Subscribers[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if s == nil {
			return
		}

		s.mu.RLock()
		subs := slices.Clone(s.subs)
		s.mu.RUnlock()

		for _, sub := range subs {
			if !yield(sub.fn) {
				return
			}
		}
	}
}
