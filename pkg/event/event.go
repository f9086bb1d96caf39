// Package event provides a lightweight notification bus between the
// orchestration layer and the UI.
//
// Design principles:
// - Events are small notifications; the UI fetches full state over HTTP/SSE
// - Each event type is a separate Go type for type safety
// - Listeners are called synchronously, in subscription order
package event

import (
	"sync"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "chat.statusChanged")
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       int
	listeners    map[string]map[int]Listener // eventName -> id -> listener
	allListeners map[int]Listener            // listeners for all events
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners:    make(map[string]map[int]Listener),
		allListeners: make(map[int]Listener),
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	if e.listeners[eventName] == nil {
		e.listeners[eventName] = make(map[int]Listener)
	}
	e.listeners[eventName][id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners[eventName], id)
		e.mu.Unlock()
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.allListeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.allListeners, id)
		e.mu.Unlock()
	}
}

// Emit dispatches an event to all matching listeners.
func (e *Emitter) Emit(ev Event) {
	// Copy listeners to avoid holding the lock during callbacks.
	e.mu.RLock()
	specific := make([]Listener, 0, len(e.listeners[ev.EventName()]))
	for _, fn := range e.listeners[ev.EventName()] {
		specific = append(specific, fn)
	}
	all := make([]Listener, 0, len(e.allListeners))
	for _, fn := range e.allListeners {
		all = append(all, fn)
	}
	e.mu.RUnlock()

	for _, fn := range specific {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}

// ---- Global Emitter ----

var globalEmitter *Emitter
var globalOnce sync.Once

// Global returns the global event emitter.
func Global() *Emitter {
	globalOnce.Do(func() {
		globalEmitter = NewEmitter()
	})
	return globalEmitter
}

// Emit is a shortcut for Global().Emit(ev).
func Emit(ev Event) {
	Global().Emit(ev)
}

// On is a shortcut for Global().On(eventName, fn).
func On(eventName string, fn Listener) func() {
	return Global().On(eventName, fn)
}
