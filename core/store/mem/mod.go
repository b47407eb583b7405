// Package mem implements an in-memory store snapshot.
package mem

import (
	"sync"

	"go.dedis.ch/circlevote/core/store"
)

// Snapshot is an in-memory snapshot. Writes can be staged and are applied
// only when the staging function succeeds.
//
// - implements store.Snapshot
type Snapshot struct {
	sync.Mutex

	values map[string][]byte
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		values: make(map[string][]byte),
	}
}

// Get implements store.Readable. It returns nil if the key is not set.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	return s.values[string(key)], nil
}

// Set implements store.Writable.
func (s *Snapshot) Set(key, value []byte) error {
	s.Lock()
	s.values[string(key)] = value
	s.Unlock()

	return nil
}

// Delete implements store.Writable.
func (s *Snapshot) Delete(key []byte) error {
	s.Lock()
	delete(s.values, string(key))
	s.Unlock()

	return nil
}

// Stage runs the function over a child snapshot. The updates are applied to
// the snapshot only if the function returns no error.
func (s *Snapshot) Stage(fn func(store.Snapshot) error) error {
	s.Lock()
	defer s.Unlock()

	child := &stage{parent: s.values, updates: make(map[string][]byte)}

	err := fn(child)
	if err != nil {
		return err
	}

	for key, value := range child.updates {
		if value == nil {
			delete(s.values, key)
		} else {
			s.values[key] = value
		}
	}

	return nil
}

// stage keeps the updates apart from its parent. A nil value marks a
// deletion.
//
// - implements store.Snapshot
type stage struct {
	parent  map[string][]byte
	updates map[string][]byte
}

func (s *stage) Get(key []byte) ([]byte, error) {
	value, found := s.updates[string(key)]
	if found {
		return value, nil
	}

	return s.parent[string(key)], nil
}

func (s *stage) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	s.updates[string(key)] = value

	return nil
}

func (s *stage) Delete(key []byte) error {
	s.updates[string(key)] = nil

	return nil
}
