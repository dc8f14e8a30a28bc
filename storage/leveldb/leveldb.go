// Package leveldb provides an on-disk purchases.KeyValueStore backed by
// goleveldb, suitable as the device-local cache of a single process.
package leveldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Storage implements purchases.KeyValueStore on a LevelDB database
type Storage struct {
	db *leveldb.DB
}

// Config holds LevelDB storage configuration
type Config struct {
	// Path is the database directory. It is created if missing.
	Path string

	// ReadOnly opens an existing database without write access
	ReadOnly bool
}

// Open opens or creates the database at config.Path
func Open(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("leveldb path is required")
	}

	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: config.ReadOnly,
		ReadOnly:       config.ReadOnly,
	}

	db, err := leveldb.OpenFile(config.Path, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", config.Path, err)
	}
	return &Storage{db: db}, nil
}

// Get implements purchases.KeyValueStore
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, purchases.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set implements purchases.KeyValueStore
func (s *Storage) Set(_ context.Context, key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete implements purchases.KeyValueStore. All keys are removed in one
// atomic batch.
func (s *Storage) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete([]byte(key))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}
