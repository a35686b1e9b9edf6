/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package registry keeps reference-counted instances keyed by string ID.
// A Registry is an ordinary value owned by whoever coordinates the instances;
// there is no package-level state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("registry: id not found")
	ErrExists   = errors.New("registry: id already registered")
	ErrDrained  = errors.New("registry: drained during create")
)

// Closer is implemented by instances that need teardown once the last
// reference is released.
type Closer interface {
	Close() error
}

type slot[T any] struct {
	value T
	refs  int
}

// pending tracks a create in flight for one ID.
type pending struct {
	done    chan struct{}
	drained bool
}

// Registry maps IDs to shared instances. One mutex guards the maps; it is
// never held while an instance is created or closed.
type Registry[T any] struct {
	mu       sync.Mutex
	slots    map[string]*slot[T]
	creating map[string]*pending
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		slots:    make(map[string]*slot[T]),
		creating: make(map[string]*pending),
	}
}

// Acquire returns the instance for id, calling create when none exists yet,
// and takes a reference on it. create runs outside the registry lock, so a
// slow create only delays other Acquires of the same id. Those wait for it
// and share its instance, or retry when it failed.
func (r *Registry[T]) Acquire(id string, create func() (T, error)) (T, error) {
	var zero T
	for {
		r.mu.Lock()
		if s, ok := r.slots[id]; ok {
			s.refs++
			r.mu.Unlock()
			return s.value, nil
		}
		if p, ok := r.creating[id]; ok {
			r.mu.Unlock()
			<-p.done
			continue
		}
		p := &pending{done: make(chan struct{})}
		r.creating[id] = p
		r.mu.Unlock()

		value, err := create()

		r.mu.Lock()
		delete(r.creating, id)
		drained := p.drained
		if err == nil && !drained {
			r.slots[id] = &slot[T]{value: value, refs: 1}
		}
		r.mu.Unlock()
		close(p.done)

		if err != nil {
			return zero, fmt.Errorf("create %q: %w", id, err)
		}
		if drained {
			if c, ok := any(value).(Closer); ok {
				_ = c.Close()
			}
			return zero, fmt.Errorf("create %q: %w", id, ErrDrained)
		}
		return value, nil
	}
}

// Release drops one reference. When the last reference goes, the instance
// is removed and closed if it implements Closer. The returned bool reports
// whether that happened.
func (r *Registry[T]) Release(id string) (bool, error) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.slots, id)
	r.mu.Unlock()

	if c, ok := any(s.value).(Closer); ok {
		if err := c.Close(); err != nil {
			return true, fmt.Errorf("close %q: %w", id, err)
		}
	}
	return true, nil
}

// Evict removes id regardless of its reference count and closes the
// instance if it implements Closer.
func (r *Registry[T]) Evict(id string) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.slots, id)
	r.mu.Unlock()

	if c, ok := any(s.value).(Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close %q: %w", id, err)
		}
	}
	return nil
}

// Rename moves the instance registered under oldID to newID, keeping its
// reference count.
func (r *Registry[T]) Rename(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[oldID]
	if !ok {
		return ErrNotFound
	}
	if oldID == newID {
		return nil
	}
	if _, taken := r.slots[newID]; taken {
		return ErrExists
	}
	if _, taken := r.creating[newID]; taken {
		return ErrExists
	}
	delete(r.slots, oldID)
	r.slots[newID] = s
	return nil
}

// Get returns the instance for id without taking a reference.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Refs returns the reference count for id, zero when absent.
func (r *Registry[T]) Refs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[id]; ok {
		return s.refs
	}
	return 0
}

// IDs lists registered IDs in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain removes every instance regardless of reference count and closes
// those that implement Closer. Instances still being created are closed as
// soon as their create returns. Errors are joined.
func (r *Registry[T]) Drain() error {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[string]*slot[T])
	for _, p := range r.creating {
		p.drained = true
	}
	r.mu.Unlock()

	var errs []error
	for id, s := range slots {
		if c, ok := any(s.value).(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
