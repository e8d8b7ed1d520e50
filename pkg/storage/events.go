package storage

import (
	"sync"

	"gridstore/pkg/backend"
)

// EventKind names a lifecycle signal.
type EventKind string

const (
	EventConnection       EventKind = "connection"
	EventConnectionFailed EventKind = "connectionFailed"
	EventFile             EventKind = "file"
	EventStreamError      EventKind = "streamError"
	EventDBError          EventKind = "dbError"
)

// Event carries the payload of a signal. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind     EventKind
	Link     backend.Link
	Err      error
	File     *File
	Settings *FileSettings
}

// EventHandler receives events. Handlers run on the goroutine that emitted
// the event and must not block for long.
type EventHandler func(Event)

type subscription struct {
	id   int
	kind EventKind
	fn   EventHandler
}

// emitter dispatches events outside of its lock. Connection outcomes are
// sticky: a handler subscribed after the outcome was emitted is still called
// once with it.
type emitter struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
	sticky map[EventKind]Event
}

func newEmitter() *emitter {
	return &emitter{sticky: map[EventKind]Event{}}
}

func isSticky(kind EventKind) bool {
	return kind == EventConnection || kind == EventConnectionFailed
}

func (e *emitter) on(kind EventKind, fn EventHandler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, kind: kind, fn: fn})
	replay, ok := e.sticky[kind]
	e.mu.Unlock()

	if ok {
		fn(replay)
	}

	return func() { e.off(id) }
}

func (e *emitter) off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if isSticky(ev.Kind) {
		e.sticky[ev.Kind] = ev
	}
	targets := make([]EventHandler, 0, len(e.subs))
	for _, s := range e.subs {
		if s.kind == ev.Kind {
			targets = append(targets, s.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}
