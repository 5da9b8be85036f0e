// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package profile

import (
	"errors"
	"fmt"
	"sort"
)

// Store is a read-only profile lookup. It is immutable after construction
// and may be shared between sessions without locking.
type Store struct {
	profiles map[string]*Profile
	ids      []string
}

// NewStore registers the given profiles. Duplicate ids are refused with an
// InvalidProfileError; the first registration wins.
func NewStore(profiles ...*Profile) (*Store, error) {
	s := &Store{profiles: make(map[string]*Profile, len(profiles))}

	var errs []error
	for _, p := range profiles {
		if p == nil {
			continue
		}
		if _, exists := s.profiles[p.ID()]; exists {
			errs = append(errs, &InvalidProfileError{ID: p.ID(), Reason: "duplicate id"})
			continue
		}
		s.profiles[p.ID()] = p
		s.ids = append(s.ids, p.ID())
	}
	sort.Strings(s.ids)

	return s, errors.Join(errs...)
}

// Get returns the profile registered under id
func (s *Store) Get(id string) (*Profile, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// IDs returns the registered profile ids in sorted order
func (s *Store) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.ids))
	copy(ids, s.ids)
	return ids
}

// Len returns the number of registered profiles
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.profiles)
}
