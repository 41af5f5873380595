package realtime

import (
	"encoding/json"
	"sync"

	"github.com/jwalitptl/notify-api/internal/model"
)

// Session is one viewer's attachment to the hub. Subscribe returns an
// explicit unsubscribe handle; events arriving before the first handler
// for their name is registered are buffered and flushed on that
// registration, so the join-time replay is not lost to ordering.
type Session struct {
	hub    *Hub
	viewer model.Viewer
	rooms  []string

	mu       sync.Mutex
	handlers map[string]map[int]func(json.RawMessage)
	pending  map[string][]json.RawMessage
	nextID   int
	closed   bool
}

// Viewer returns the identity the session was joined with.
func (s *Session) Viewer() model.Viewer {
	return s.viewer
}

// Subscribe registers a handler for a named event and returns the
// matching unsubscribe function. Unsubscribing twice is harmless.
func (s *Session) Subscribe(event string, handler func(json.RawMessage)) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}

	id := s.nextID
	s.nextID++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	s.handlers[event][id] = handler

	buffered := s.pending[event]
	delete(s.pending, event)
	s.mu.Unlock()

	for _, data := range buffered {
		handler(data)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if hs, ok := s.handlers[event]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(s.handlers, event)
			}
		}
	}
}

// Close leaves every room and drops all handlers. Idempotent. This is
// the logout path; consumer detach/re-attach goes through Subscribe
// handles instead, so the session survives remounts.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.handlers = nil
	s.pending = nil
	s.mu.Unlock()

	for _, room := range s.rooms {
		s.hub.detach(room, s)
	}
	if s.hub.metrics != nil {
		s.hub.metrics.SessionsActive.Dec()
	}
}

func (s *Session) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	hs := s.handlers[event]
	if len(hs) == 0 {
		// Buffer until someone subscribes; cap to avoid unbounded growth
		// on events nobody consumes.
		if len(s.pending[event]) < 64 {
			s.pending[event] = append(s.pending[event], data)
		}
		s.mu.Unlock()
		return
	}

	targets := make([]func(json.RawMessage), 0, len(hs))
	for _, h := range hs {
		targets = append(targets, h)
	}
	s.mu.Unlock()

	for _, h := range targets {
		h(data)
	}
}
