// Package badgerstore implements persist.Store on BadgerDB, following the
// teacher's pkg/metadata/store/badger package: thin View/Update
// transactions around JSON-encoded values, with no business logic beyond
// the read-modify-write the interface requires.
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/nexuscore/nexusd/pkg/nexus/persist"
)

func nexusInfoKey(key string) []byte {
	return []byte("nexusinfo:" + key)
}

// Store persists NexusInfo records in a BadgerDB instance.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a BadgerDB database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func encodeNexusInfo(info persist.NexusInfo) ([]byte, error) {
	return json.Marshal(info)
}

func decodeNexusInfo(b []byte) (persist.NexusInfo, error) {
	var info persist.NexusInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return persist.NexusInfo{}, fmt.Errorf("badgerstore: decode nexus info: %w", err)
	}
	return info, nil
}

// Create implements persist.Store.
func (s *Store) Create(ctx context.Context, key string, info persist.NexusInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		b, err := encodeNexusInfo(info)
		if err != nil {
			return err
		}
		return txn.Set(nexusInfoKey(key), b)
	})
}

func (s *Store) readLocked(txn *badger.Txn, key string) (persist.NexusInfo, error) {
	item, err := txn.Get(nexusInfoKey(key))
	if err == badger.ErrKeyNotFound {
		return persist.NexusInfo{}, persist.ErrNotFound
	}
	if err != nil {
		return persist.NexusInfo{}, err
	}

	var info persist.NexusInfo
	err = item.Value(func(val []byte) error {
		decoded, err := decodeNexusInfo(val)
		if err != nil {
			return err
		}
		info = decoded
		return nil
	})
	return info, err
}

// AddChild implements persist.Store.
func (s *Store) AddChild(ctx context.Context, key, uri string, healthy bool) error {
	return s.mutate(ctx, key, func(current persist.NexusInfo) (persist.NexusInfo, error) {
		return current.WithChild(uri, healthy), nil
	})
}

// Update implements persist.Store.
func (s *Store) Update(ctx context.Context, key, uri string, healthy bool) error {
	return s.mutate(ctx, key, func(current persist.NexusInfo) (persist.NexusInfo, error) {
		return current.WithChild(uri, healthy), nil
	})
}

// Shutdown implements persist.Store.
func (s *Store) Shutdown(ctx context.Context, key string, clean bool) error {
	return s.mutate(ctx, key, func(current persist.NexusInfo) (persist.NexusInfo, error) {
		current.CleanShutdown = clean
		return current, nil
	})
}

func (s *Store) mutate(ctx context.Context, key string, fn func(current persist.NexusInfo) (persist.NexusInfo, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readLocked(txn, key)
		if err != nil && err != persist.ErrNotFound {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		b, err := encodeNexusInfo(next)
		if err != nil {
			return err
		}
		return txn.Set(nexusInfoKey(key), b)
	})
}

// UpdateCond implements persist.Store. The predicate sees the record as
// read inside this same transaction, never a cached copy, so a concurrent
// writer can't slip a last-healthy-child flip past it.
func (s *Store) UpdateCond(ctx context.Context, key, uri string, healthy bool, pred persist.Predicate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	applied := false
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readLocked(txn, key)
		if err != nil && err != persist.ErrNotFound {
			return err
		}
		if !pred(current) {
			return nil
		}
		next := current.WithChild(uri, healthy)
		b, err := encodeNexusInfo(next)
		if err != nil {
			return err
		}
		if err := txn.Set(nexusInfoKey(key), b); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// Get implements persist.Store.
func (s *Store) Get(ctx context.Context, key string) (persist.NexusInfo, error) {
	if err := ctx.Err(); err != nil {
		return persist.NexusInfo{}, err
	}

	var info persist.NexusInfo
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := s.readLocked(txn, key)
		if err != nil {
			return err
		}
		info = got
		return nil
	})
	return info, err
}

// Close implements persist.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ persist.Store = (*Store)(nil)
