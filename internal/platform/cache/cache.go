// Package cache provides a bounded, TTL-expiring key set used for best-effort
// duplicate suppression.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTLSet remembers keys for a limited time. When full, the least recently
// added key is evicted. It is safe for concurrent use.
type TTLSet struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	key       string
	expiresAt time.Time
}

// NewTTLSet creates a set holding at most maxSize keys for ttl each.
func NewTTLSet(maxSize int, ttl time.Duration) *TTLSet {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &TTLSet{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Contains reports whether key was added and has not yet expired.
func (s *TTLSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	if s.now().After(elem.Value.(*entry).expiresAt) {
		s.removeElement(elem)
		return false
	}
	return true
}

// Add records key, refreshing its expiry if already present.
func (s *TTLSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(key)
}

func (s *TTLSet) addLocked(key string) {
	exp := s.now().Add(s.ttl)
	if elem, ok := s.items[key]; ok {
		elem.Value.(*entry).expiresAt = exp
		s.order.MoveToFront(elem)
		return
	}

	s.items[key] = s.order.PushFront(&entry{key: key, expiresAt: exp})
	for s.order.Len() > s.maxSize {
		s.removeElement(s.order.Back())
	}
}

// AddIfAbsent adds key and returns true, or returns false when key is already
// present. The check and insert are atomic.
func (s *TTLSet) AddIfAbsent(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok && !s.now().After(elem.Value.(*entry).expiresAt) {
		return false
	}
	s.addLocked(key)
	return true
}

// Remove forgets key.
func (s *TTLSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
}

// Len returns the number of tracked keys, including expired ones not yet
// evicted.
func (s *TTLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *TTLSet) removeElement(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*entry).key)
}
