// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package observer holds handler registrations that are removed by token
// instead of by function equality.
package observer

import (
	"sync"
)

// Set is a collection of handlers of type T. Zero value is ready to use.
type Set[T any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]T
	order    []uint64
}

// Add registers handler and returns function that removes it.
// Calling returned function more than once is safe.
func (s *Set[T]) Add(handler T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[uint64]T)
	}
	s.next++
	id := s.next
	s.handlers[id] = handler
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns handlers in registration order.
// Handlers must be invoked on snapshot so that they can unsubscribe themselves.
func (s *Set[T]) Snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handlers[id])
	}
	return out
}

// Len returns number of registered handlers.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Clear removes all handlers.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
	s.order = nil
}
