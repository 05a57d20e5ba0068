// Package memstore is an in-memory implementation of the gpupool store
// contract. It is safe for concurrent use within one process and is meant for
// tests and dry runs; state does not outlive the process.
package memstore

import (
	"context"
	"slices"
	"sync"
)

type Store struct {
	mu     sync.Mutex
	lists  map[string][]string // head first
	hashes map[string]map[string]string

	// pushed is closed and replaced on every push to wake blocked pops.
	pushed chan struct{}
}

func New() *Store {
	return &Store{
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		pushed: make(chan struct{}),
	}
}

func (s *Store) Push(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(key, value)
	return nil
}

func (s *Store) PushUnique(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.lists[key], value) {
		return false, nil
	}
	s.push(key, value)
	return true, nil
}

func (s *Store) push(key, value string) {
	s.lists[key] = append([]string{value}, s.lists[key]...)
	close(s.pushed)
	s.pushed = make(chan struct{})
}

func (s *Store) BlockingPop(ctx context.Context, key string) (string, error) {
	for {
		s.mu.Lock()
		if l := s.lists[key]; len(l) > 0 {
			v := l[len(l)-1]
			if len(l) == 1 {
				delete(s.lists, key)
			} else {
				s.lists[key] = l[:len(l)-1]
			}
			s.mu.Unlock()
			return v, nil
		}
		wake := s.pushed
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Store) Range(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lists[key]), nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.lists, k)
		delete(s.hashes, k)
	}
	return nil
}

func (s *Store) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HashSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *Store) HashGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// Keys returns every key holding a list or a hash, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.lists)+len(s.hashes))
	for k := range s.lists {
		keys = append(keys, k)
	}
	for k := range s.hashes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}
