package store

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore keeps values in a concurrent map. It does not survive restarts and
// is mostly useful in tests and as a default when no backend is configured.
type MemoryStore struct {
	data   *xsync.Map[string, []byte]
	closed atomic.Bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: xsync.NewMap[string, []byte]()}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	v, ok := s.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.data.Store(key, slices.Clone(value))
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.data.Delete(key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	keys := make([]string, 0, s.data.Size())
	s.data.Range(func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys, nil
}

// Close marks the store closed and drops its contents.
func (s *MemoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.data.Clear()
	}
	return nil
}
