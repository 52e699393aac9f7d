// Package changes tracks whether the local store holds edits the server has not seen yet.
package changes

import (
	"sync"
	"sync/atomic"
)

// Tracker is a process-wide dirty flag with change listeners.
type Tracker struct {
	dirty atomic.Bool

	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

func NewTracker() *Tracker {
	return &Tracker{listeners: make(map[int]func())}
}

// MarkDirty sets the flag and notifies every subscriber synchronously.
func (t *Tracker) MarkDirty() {
	t.dirty.Store(true)
	for _, listener := range t.snapshot() {
		listener()
	}
}

// ConsumeDirty reports whether the flag was set and clears it in the same step.
func (t *Tracker) ConsumeDirty() bool {
	return t.dirty.Swap(false)
}

// Restore sets the flag again without notifying. Used when a consumed change
// could not be delivered.
func (t *Tracker) Restore() {
	t.dirty.Store(true)
}

func (t *Tracker) IsDirty() bool {
	return t.dirty.Load()
}

// Subscribe registers listener and returns a function that removes it.
func (t *Tracker) Subscribe(listener func()) func() {
	if listener == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = listener
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) snapshot() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	listeners := make([]func(), 0, len(t.listeners))
	for _, listener := range t.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}
