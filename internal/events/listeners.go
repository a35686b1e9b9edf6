/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// Dispatcher runs a listener callback on the listener's own context.
type Dispatcher interface {
	Post(fn func()) bool
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func()) bool

// Post calls f(fn).
func (f DispatcherFunc) Post(fn func()) bool { return f(fn) }

// Direct runs callbacks on the notifying goroutine.
var Direct Dispatcher = DispatcherFunc(func(fn func()) bool {
	fn()
	return true
})

type listener[T any] struct {
	id       string
	dispatch Dispatcher
	fn       func(T)
}

// Listeners is an observer list keyed by listener ID. Each listener is
// notified through its own dispatcher. Notify iterates a snapshot, so
// listeners may add or remove listeners from inside a callback.
type Listeners[T any] struct {
	mu   sync.Mutex
	list []listener[T]
}

// Add registers fn under id, replacing any listener already using that id.
// A nil dispatcher means Direct.
func (l *Listeners[T]) Add(id string, dispatch Dispatcher, fn func(T)) {
	if dispatch == nil {
		dispatch = Direct
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.list {
		if l.list[i].id == id {
			l.list[i] = listener[T]{id: id, dispatch: dispatch, fn: fn}
			return
		}
	}
	l.list = append(l.list, listener[T]{id: id, dispatch: dispatch, fn: fn})
}

// Remove unregisters id and reports whether it was present.
func (l *Listeners[T]) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.list {
		if l.list[i].id == id {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// Notify posts v to every listener registered at the time of the call and
// returns how many dispatchers accepted it.
func (l *Listeners[T]) Notify(v T) int {
	l.mu.Lock()
	snapshot := append([]listener[T](nil), l.list...)
	l.mu.Unlock()

	accepted := 0
	for _, ln := range snapshot {
		fn := ln.fn
		if ln.dispatch.Post(func() { fn(v) }) {
			accepted++
		}
	}
	return accepted
}
