// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package pairing

import "sync"

// A MemStore is an in-memory Store, safe for concurrent use. The zero value
// is ready to use.
type MemStore struct {
	μ sync.Mutex
	m map[string]string
}

// Get implements part of the Store interface.
func (s *MemStore) Get(key string) (string, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// Set implements part of the Store interface.
func (s *MemStore) Set(key, value string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
}

// Clear implements part of the Store interface.
func (s *MemStore) Clear(key string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.m, key)
}
