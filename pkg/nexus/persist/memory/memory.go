// Package memory provides an in-memory persist.Store for tests and for
// nexuses created with an empty info_key ("empty -> no
// persistence" still needs somewhere to answer Get during the same
// process lifetime).
package memory

import (
	"context"
	"sync"

	"github.com/nexuscore/nexusd/pkg/nexus/persist"
)

// Store is a mutex-guarded map-backed persist.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]persist.NexusInfo
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[string]persist.NexusInfo)}
}

// Create implements persist.Store.
func (s *Store) Create(ctx context.Context, key string, info persist.NexusInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = info
	return nil
}

// AddChild implements persist.Store.
func (s *Store) AddChild(ctx context.Context, key, uri string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = s.data[key].WithChild(uri, healthy)
	return nil
}

// Update implements persist.Store.
func (s *Store) Update(ctx context.Context, key, uri string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = s.data[key].WithChild(uri, healthy)
	return nil
}

// UpdateCond implements persist.Store.
func (s *Store) UpdateCond(ctx context.Context, key, uri string, healthy bool, pred persist.Predicate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.data[key]
	if !pred(current) {
		return false, nil
	}
	s.data[key] = current.WithChild(uri, healthy)
	return true, nil
}

// Shutdown implements persist.Store.
func (s *Store) Shutdown(ctx context.Context, key string, clean bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.data[key]
	info.CleanShutdown = clean
	s.data[key] = info
	return nil
}

// Get implements persist.Store.
func (s *Store) Get(ctx context.Context, key string) (persist.NexusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.data[key]
	if !ok {
		return persist.NexusInfo{}, persist.ErrNotFound
	}
	return info, nil
}

// Close implements persist.Store.
func (s *Store) Close() error { return nil }

var _ persist.Store = (*Store)(nil)
