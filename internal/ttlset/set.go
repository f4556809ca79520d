// ABOUTME: Thread-safe TTL set with oldest-first eviction
// ABOUTME: Holds platform-verified (guild, agent) memberships between reconcile passes

package ttlset

import (
	"container/list"
	"sync"
	"time"
)

type member[K comparable] struct {
	markedAt time.Time
	element  *list.Element
}

// Set is a concurrency-safe set of K whose members expire after ttl. When the
// set is full the least recently marked member is evicted.
type Set[K comparable] struct {
	mu      sync.RWMutex
	members map[K]*member[K]
	order   *list.List // keys, least recently marked at the front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Set and starts a background sweeper that runs every
// interval. An interval of 0 disables the sweeper; expired members are then
// only ignored, not removed.
func New[K comparable](ttl time.Duration, maxSize int, interval time.Duration) *Set[K] {
	s := &Set[K]{
		members: make(map[K]*member[K]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	}
	return s
}

// Has reports whether key is present and unexpired.
func (s *Set[K]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[key]
	return ok && s.live(m)
}

func (s *Set[K]) live(m *member[K]) bool {
	return s.now().Sub(m.markedAt) < s.ttl
}

// Mark adds key or refreshes its timestamp.
func (s *Set[K]) Mark(keys ...K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, key := range keys {
		if m, ok := s.members[key]; ok {
			m.markedAt = now
			s.order.MoveToBack(m.element)
			continue
		}
		if s.maxSize > 0 && len(s.members) >= s.maxSize {
			s.evictOldest()
		}
		s.members[key] = &member[K]{markedAt: now, element: s.order.PushBack(key)}
	}
}

// Delete removes keys. Missing keys are ignored.
func (s *Set[K]) Delete(keys ...K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.removeLocked(key)
	}
}

// DeleteFunc removes every member for which drop returns true and reports
// how many were removed.
func (s *Set[K]) DeleteFunc(drop func(K) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.members {
		if drop(key) {
			s.removeLocked(key)
			n++
		}
	}
	return n
}

// Members returns the unexpired members in marking order.
func (s *Set[K]) Members() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]K, 0, len(s.members))
	for e := s.order.Front(); e != nil; e = e.Next() {
		key, _ := e.Value.(K)
		if s.live(s.members[key]) {
			out = append(out, key)
		}
	}
	return out
}

// Len returns the number of stored members, including expired ones not yet
// swept.
func (s *Set[K]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// must be called with mu held
func (s *Set[K]) removeLocked(key K) {
	if m, ok := s.members[key]; ok {
		s.order.Remove(m.element)
		delete(s.members, key)
	}
}

// must be called with mu held
func (s *Set[K]) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(K)
	s.removeLocked(key)
}

func (s *Set[K]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep removes expired members and returns how many were dropped.
func (s *Set[K]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, m := range s.members {
		if !s.live(m) {
			s.removeLocked(key)
			n++
		}
	}
	return n
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Set[K]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
