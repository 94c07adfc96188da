// ABOUTME: Badger credential store for single-host deployments without SQLite
// ABOUTME: Identity kept under one key inside an embedded badger database

package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var badgerKey = []byte("credentials/" + defaultSlot)

// BadgerStore implements Store on an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database in dir. An empty dir opens an in-memory
// database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load reads the identity.
func (b *BadgerStore) Load(ctx context.Context) (*Identity, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	return decode(data)
}

// Save writes the identity.
func (b *BadgerStore) Save(ctx context.Context, id *Identity) error {
	data, err := encode(id)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey, data)
	})
}

// Reset deletes the identity.
func (b *BadgerStore) Reset(ctx context.Context) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey)
	})
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
