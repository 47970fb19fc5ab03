package source

import (
	"context"
	"sync"
)

// Memory is an in-process Source. Emit delivers events synchronously on
// the caller's goroutine, which plays the part of the notification thread.
type Memory struct {
	mu      sync.Mutex
	handler Handler
	failure error
	subs    int
	current *memorySub
}

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes subsequent Subscribe calls return err.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Subscribe registers h as the single active handler.
func (m *Memory) Subscribe(ctx context.Context, _ Query, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	m.handler = h
	m.subs++
	m.current = &memorySub{m: m, id: m.subs, failed: make(chan error, 1)}
	return m.current, nil
}

// Subscriptions reports how many subscriptions have been opened.
func (m *Memory) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs
}

// Active reports whether a handler is currently registered.
func (m *Memory) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

// Emit delivers ev to the active handler. It returns false when nothing is
// subscribed.
func (m *Memory) Emit(ev Event) bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(ev)
	return true
}

// Fail ends the active subscription as if the event bus had gone away.
// It returns false when nothing is subscribed.
func (m *Memory) Fail(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil || m.current == nil {
		return false
	}
	m.handler = nil
	m.current.failed <- err
	return true
}

// EmitBytes delivers an event carrying payload under property.
func (m *Memory) EmitBytes(property string, payload []byte) bool {
	return m.Emit(Event{property: payload})
}

type memorySub struct {
	m      *Memory
	id     int
	failed chan error
}

func (s *memorySub) Failed() <-chan error {
	return s.failed
}

func (s *memorySub) Cancel() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.subs == s.id {
		s.m.handler = nil
	}
	return nil
}
