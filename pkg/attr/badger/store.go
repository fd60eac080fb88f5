// Package badger provides the BadgerDB-backed attribute store, for
// deployments where attributes must survive restarts.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/oncrpc/internal/logger"
	"github.com/marmos91/oncrpc/pkg/attr"
)

// Keys are the canonical path string under a single namespace prefix,
// so a container query is one prefix scan.
const keyPrefix = "a:"

// BadgerStore implements attr.Store on BadgerDB. Badger's transactions
// provide the thread safety; there is no store-level lock.
type BadgerStore struct {
	db *badger.DB
}

// Options configures the store.
type Options struct {
	// Dir is the database directory, created if missing.
	Dir string

	// InMemory runs Badger without disk persistence. Used by tests.
	InMemory bool
}

// New opens or creates the attribute database.
func New(opts Options) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open attribute database: %w", err)
	}

	logger.Debug("Badger attribute store opened (dir=%q in_memory=%v)", opts.Dir, opts.InMemory)
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) GetValue(ctx context.Context, path string) ([]byte, error) {
	p, err := attr.ParsePath(path)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(p))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, attr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", p, err)
	}
	return value, nil
}

func (s *BadgerStore) SetValue(ctx context.Context, path string, value []byte) error {
	p, err := attr.ParsePath(path)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey(p), value)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	return nil
}

func (s *BadgerStore) RemoveValue(ctx context.Context, path string) error {
	p, err := attr.ParsePath(path)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(p))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (s *BadgerStore) Query(ctx context.Context, path string, predicate attr.Predicate) ([]attr.Match, error) {
	prefix, err := attr.ParsePath(path)
	if err != nil {
		return nil, err
	}

	var matches []attr.Match
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = storageKey(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			p, err := attr.ParsePath(string(item.Key()[len(keyPrefix):]))
			if err != nil {
				continue
			}
			// The byte prefix scan also matches sibling names that share
			// a textual prefix (e.g. "share" vs "shared"); filter on
			// parsed segments.
			if !p.HasPrefix(prefix) {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if predicate != nil && !predicate(p, value) {
				continue
			}
			matches = append(matches, attr.Match{Path: p, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", prefix, err)
	}
	return matches, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func storageKey(p attr.Path) []byte {
	return []byte(keyPrefix + p.String())
}
