package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCache implements Cache on an embedded badger database, so cached
// payloads survive restarts of a single instance.
type BadgerCache struct {
	db     *badger.DB
	ownsDB bool
}

// OpenBadgerCache opens (creating if needed) a badger database in dir.
func OpenBadgerCache(dir string) (*BadgerCache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerCache{db: db, ownsDB: true}, nil
}

// NewBadgerCache wraps an open database; Close leaves it open.
func NewBadgerCache(db *badger.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

// Get implements Cache.Get. Expired entries read as misses.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Add writes the entry inside an update transaction that first checks for an
// unexpired value. A conflicting concurrent writer means the key was filled.
func (c *BadgerCache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	k := []byte(keyPrefix + key)
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.SetEntry(badger.NewEntry(k, value).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil
	}
	return err
}

// Ping reports whether the database is still open.
func (c *BadgerCache) Ping(ctx context.Context) error {
	if c.db.IsClosed() {
		return errors.New("badger database closed")
	}
	return ctx.Err()
}

// Close closes the database when OpenBadgerCache opened it.
func (c *BadgerCache) Close() error {
	if !c.ownsDB {
		return nil
	}
	return c.db.Close()
}
