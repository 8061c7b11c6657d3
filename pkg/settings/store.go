// Package settings persists internal object values in a BadgerDB key-value
// store keyed by object name. Values round-trip through their binary wire
// encoding, so everything the protocol can carry can be persisted.
package settings

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kazoe/kazad/pkg/object"
)

// Store is a badger-backed object.ValueStore.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the settings database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Load returns the persisted value for an object name. The second return
// is false when no entry exists.
func (s *Store) Load(name string) (object.Value, bool, error) {
	var v object.Value
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			decoded, _, decErr := object.DecodeValue(val)
			if decErr != nil {
				return decErr
			}
			v = decoded
			found = true
			return nil
		})
	})
	if err != nil {
		return object.Value{}, false, fmt.Errorf("settings: load %q: %w", name, err)
	}
	return v, found, nil
}

// Save persists the value for an object name, overwriting any previous
// entry.
func (s *Store) Save(name string, v object.Value) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), v.AppendBinary(nil))
	})
	if err != nil {
		return fmt.Errorf("settings: save %q: %w", name, err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
