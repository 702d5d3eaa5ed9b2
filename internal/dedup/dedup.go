// Package dedup tracks the job ids that have already been admitted so that a
// redelivered or repeated job message never starts a second orchestrator.
package dedup

import (
	"container/list"
	"context"
	"sync"
)

// Set is a bounded set of admitted job ids
type Set interface {
	// Add records id and reports whether it was newly added
	Add(ctx context.Context, id string) (bool, error)
	// Remove releases id so that it can be admitted again
	Remove(ctx context.Context, id string) error
	Close() error
}

// MemorySet keeps the most recent ids in memory, evicting the oldest beyond capacity
type MemorySet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

// NewMemorySet creates a memory set; capacity <= 0 means unbounded
func NewMemorySet(capacity int) *MemorySet {
	return &MemorySet{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (s *MemorySet) Add(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; ok {
		return false, nil
	}

	s.items[id] = s.order.PushBack(id)
	for s.capacity > 0 && s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return true, nil
}

func (s *MemorySet) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[id]; ok {
		s.order.Remove(el)
		delete(s.items, id)
	}
	return nil
}

// Len returns the number of ids currently held
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *MemorySet) Close() error {
	return nil
}
