package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
)

// BadgerKVStore and BadgerObjectStore back the single-process dev/test
// profile: both read/write the same embedded database, under disjoint key
// prefixes so a key collision between metadata and object bytes is
// impossible.
type BadgerKVStore struct {
	db *badger.DB
}

// NewBadgerKVStore wraps an already-open Badger database.
func NewBadgerKVStore(db *badger.DB) *BadgerKVStore {
	return &BadgerKVStore{db: db}
}

func kvKey(key string) []byte {
	return []byte("kv/" + key)
}

func (s *BadgerKVStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("store: badger put %q: %w", key, err)
	}
	return nil
}

func (s *BadgerKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: badger get %q: %w", key, err)
	}
	return value, nil
}

// BadgerObjectStore is an ObjectStore backed by the same embedded database
// as BadgerKVStore, for the dev/test profile where running a real object
// store is unnecessary overhead.
type BadgerObjectStore struct {
	db *badger.DB
}

// NewBadgerObjectStore wraps an already-open Badger database.
func NewBadgerObjectStore(db *badger.DB) *BadgerObjectStore {
	return &BadgerObjectStore{db: db}
}

func objectKey(key string) []byte {
	return []byte("obj/" + key)
}

func (s *BadgerObjectStore) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("store: read object body for %q: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(key), data)
	})
	if err != nil {
		return fmt.Errorf("store: badger put object %q: %w", key, err)
	}
	return nil
}

func (s *BadgerObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			data = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: badger get object %q: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BadgerObjectStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(key))
	})
	if err != nil {
		return fmt.Errorf("store: badger delete object %q: %w", key, err)
	}
	return nil
}
