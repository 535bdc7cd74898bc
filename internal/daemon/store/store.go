package store

import (
	"sync"
	"time"

	"github.com/grovetools/devrelay/pkg/router"
)

// Store is the in-memory event feed for the hub.
// It is thread-safe and supports pub/sub for real-time updates.
type Store struct {
	mu          sync.RWMutex
	recent      []router.Event
	limit       int
	stats       Stats
	subscribers map[chan router.Event]struct{}
	journal     *Journal
}

// New creates a Store keeping up to history recent events. A nil
// journal disables persistence.
func New(history int, journal *Journal) *Store {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Store{
		limit:       history,
		stats:       Stats{StartedAt: time.Now(), ByKind: make(map[router.EventKind]int)},
		subscribers: make(map[chan router.Event]struct{}),
		journal:     journal,
	}
}

// Publish records e and notifies subscribers.
func (s *Store) Publish(e router.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, e)
	if len(s.recent) > s.limit {
		s.recent = append([]router.Event(nil), s.recent[len(s.recent)-s.limit:]...)
	}
	s.stats.Total++
	s.stats.ByKind[e.Kind]++

	if s.journal != nil {
		_ = s.journal.Append(e)
	}

	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
			// Non-blocking send to prevent slow clients from stalling the hub
		}
	}
}

// Recent returns a copy of the retained events, oldest first.
func (s *Store) Recent() []router.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]router.Event(nil), s.recent...)
}

// Stats returns a copy of the counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.ByKind = make(map[router.EventKind]int, len(s.stats.ByKind))
	for k, v := range s.stats.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Subscribe creates a new subscription channel for events.
func (s *Store) Subscribe() chan router.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan router.Event, 100) // Buffered
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(ch chan router.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; !ok {
		return
	}
	delete(s.subscribers, ch)
	close(ch)
}

// Close closes every subscription and the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}
