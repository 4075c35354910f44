package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps registrations in process.
type MemoryStore struct {
	mu     sync.Mutex
	paths  map[string]map[string]time.Time
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{paths: make(map[string]map[string]time.Time)}
}

func (s *MemoryStore) Put(_ context.Context, path, endpoint string, seen time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	eps, ok := s.paths[path]
	if !ok {
		eps = make(map[string]time.Time)
		s.paths[path] = eps
	}
	_, exists := eps[endpoint]
	eps[endpoint] = seen
	return !exists, nil
}

func (s *MemoryStore) Delete(_ context.Context, path, endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	eps, ok := s.paths[path]
	if !ok {
		return false, nil
	}
	if _, ok := eps[endpoint]; !ok {
		return false, nil
	}
	delete(eps, endpoint)
	if len(eps) == 0 {
		delete(s.paths, path)
	}
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []Entry
	for p, eps := range s.paths {
		for ep, seen := range eps {
			out = append(out, Entry{Path: p, Endpoint: ep, Seen: seen})
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) Expire(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for p, eps := range s.paths {
		for ep, seen := range eps {
			if seen.Before(before) {
				delete(eps, ep)
				n++
			}
		}
		if len(eps) == 0 {
			delete(s.paths, p)
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.paths = nil
	s.mu.Unlock()
	return nil
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Path != es[j].Path {
			return es[i].Path < es[j].Path
		}
		return es[i].Endpoint < es[j].Endpoint
	})
}
