package wsclient

import (
	"errors"
	"sync"
	"sync/atomic"

	"go-meetup/internal/event"

	"go.uber.org/zap"
)

// listenerSet is the reference-counted registry for one event name.
type listenerSet struct {
	subs map[*Subscription]struct{}
}

// Subscription is one registered listener. Events arrive on C until Close.
//
// A listener that falls ListenerBuffer events behind misses the overflow;
// Dropped counts them. Callers that see it grow refetch history.
type Subscription struct {
	C <-chan event.Event

	ch      chan event.Event
	name    event.Type
	m       *Manager
	once    sync.Once
	dropped atomic.Int64
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// On registers a listener for name. The first registration on an idle
// manager starts connecting.
func (m *Manager) On(name event.Type) *Subscription {
	ch := make(chan event.Event, m.cfg.ListenerBuffer)
	sub := &Subscription{C: ch, ch: ch, name: name, m: m}

	m.mu.Lock()
	set, ok := m.listeners[name]
	if !ok {
		set = &listenerSet{subs: make(map[*Subscription]struct{})}
		m.listeners[name] = set
	}
	set.subs[sub] = struct{}{}
	idle := m.state == StateDisconnected
	m.mu.Unlock()

	if idle {
		if err := m.Connect(); err != nil && !errors.Is(err, ErrNoCredential) {
			m.log.Warn("lazy connect failed", zap.Error(err))
		}
	}
	return sub
}

// Listeners reports how many subscriptions exist for name.
func (m *Manager) Listeners(name event.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.listeners[name]; ok {
		return len(set.subs)
	}
	return 0
}

// Close removes exactly this subscription and closes C. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		m := s.m
		m.mu.Lock()
		if set, ok := m.listeners[s.name]; ok {
			delete(set.subs, s)
			if len(set.subs) == 0 {
				delete(m.listeners, s.name)
			}
		}
		close(s.ch)
		idle := len(m.listeners) == 0 && m.cfg.DisconnectWhenIdle
		m.mu.Unlock()

		if idle {
			m.Close()
		}
	})
}

// dispatch fans evt out to every listener of its type. A listener whose
// buffer is full misses the event rather than stalling the read loop.
func (m *Manager) dispatch(evt event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.listeners[evt.Type()]
	if !ok {
		return
	}
	for sub := range set.subs {
		select {
		case sub.ch <- evt:
		default:
			n := sub.dropped.Add(1)
			m.log.Warn("listener buffer full, dropping event",
				zap.String("type", string(evt.Type())),
				zap.Int64("dropped", n))
		}
	}
}
