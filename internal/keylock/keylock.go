// Package keylock provides a mutex per key. Entries are reference counted and
// dropped once nobody holds or waits for them, so the map only grows with the
// number of keys in use.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Map is a set of mutexes indexed by string key. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until the key is held or ctx is done.
func (m *Map) Lock(ctx context.Context, key string) error {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, e)
		return ctx.Err()
	}
}

// TryLock takes the key only if nobody holds it.
func (m *Map) TryLock(key string) bool {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return true
	default:
		m.release(key, e)
		return false
	}
}

// Unlock releases a key taken with Lock or TryLock.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		panic("keylock: unlock of unlocked key " + key)
	}
	<-e.ch
	m.release(key, e)
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
