package backplane

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// openFunc performs the single bus subscription of a topic and starts its
// fan-out loop. lifetime is cancelled when the last subscriber leaves.
type openFunc func(lifetime context.Context, subscribers *SessionSet) error

type subscriptionEntry struct {
	subscribers *SessionSet
	lifetime    context.Context
	cancel      context.CancelFunc

	// ready is closed once open has returned; err holds its result.
	ready chan struct{}
	err   error
}

// subscriptionManager turns interest from many local sessions into exactly
// one bus subscription per topic.
type subscriptionManager struct {
	kind  string
	base  context.Context
	locks *KeyedMutex
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*subscriptionEntry
}

func newSubscriptionManager(base context.Context, kind string, locks *KeyedMutex, log zerolog.Logger) *subscriptionManager {
	return &subscriptionManager{
		kind:    kind,
		base:    base,
		locks:   locks,
		log:     log.With().Str("subscriptions", kind).Logger(),
		entries: make(map[string]*subscriptionEntry),
	}
}

func subscriptionKey(s *Session, topic string) string {
	return s.ID() + "-" + topic
}

// Add registers s as interested in topic. The first subscriber of a topic
// runs open; everyone else shares the result. The returned set is live.
func (m *subscriptionManager) Add(ctx context.Context, topic string, s *Session, open openFunc) (*SessionSet, error) {
	unlock, err := m.locks.Lock(ctx, subscriptionKey(s, topic))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Done is closed before the host calls OnDisconnect, so checking it under
	// the key lock is enough to keep a closing connection out of the set.
	if s.closing() {
		m.log.Debug().Str("topic", topic).Str("connection", s.ID()).Msg("connection closing, not subscribing")
		return nil, ErrConnectionClosing
	}

	m.mu.Lock()
	e, ok := m.entries[topic]
	if !ok {
		lifetime, cancel := context.WithCancel(m.base)
		e = &subscriptionEntry{
			subscribers: newSessionSet(),
			lifetime:    lifetime,
			cancel:      cancel,
			ready:       make(chan struct{}),
		}
		m.entries[topic] = e
	}
	e.subscribers.add(s)
	m.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
		case <-ctx.Done():
			m.removeFromEntry(topic, e, s)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.subscribers, nil
	}

	m.log.Debug().Str("topic", topic).Str("connection", s.ID()).Msg("subscribing")
	e.err = open(e.lifetime, e.subscribers)
	if e.err != nil {
		m.mu.Lock()
		if m.entries[topic] == e {
			delete(m.entries, topic)
		}
		m.mu.Unlock()
		e.cancel()
		close(e.ready)
		m.log.Error().Err(e.err).Str("topic", topic).Str("connection", s.ID()).Msg("subscribing failed")
		return nil, e.err
	}
	close(e.ready)
	return e.subscribers, nil
}

// Remove drops s from topic's subscribers and cancels the bus subscription
// when s was the last one. Unknown topics and sessions are ignored.
func (m *subscriptionManager) Remove(ctx context.Context, topic string, s *Session) error {
	unlock, err := m.locks.Lock(ctx, subscriptionKey(s, topic))
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	e, ok := m.entries[topic]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.removeFromEntry(topic, e, s)
	return nil
}

func (m *subscriptionManager) removeFromEntry(topic string, e *subscriptionEntry, s *Session) {
	m.mu.Lock()
	if !e.subscribers.remove(s) {
		m.mu.Unlock()
		return
	}
	last := e.subscribers.Len() == 0 && m.entries[topic] == e
	if last {
		delete(m.entries, topic)
	}
	m.mu.Unlock()

	if last {
		m.log.Debug().Str("topic", topic).Str("connection", s.ID()).Msg("last subscriber left, unsubscribing")
		e.cancel()
	}
}

// Subscribers returns a snapshot of topic's local subscribers.
func (m *subscriptionManager) Subscribers(topic string) []*Session {
	m.mu.Lock()
	e, ok := m.entries[topic]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.subscribers.Snapshot()
}

// Has reports whether topic currently has a bus subscription.
func (m *subscriptionManager) Has(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[topic]
	return ok
}

func (m *subscriptionManager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.entries))
	for topic := range m.entries {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
