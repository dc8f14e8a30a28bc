// Package tiered provides a Hot/Cold tiered purchases.KeyValueStore that pairs
// a fast local store (Hot) with a durable shared store (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 store (e.g., Memory, LevelDB) read first
	Hot purchases.KeyValueStore

	// Cold is the L2 store (e.g., Postgres, Firestore, Redis) and the source of truth
	Cold purchases.KeyValueStore

	// AsyncWrites makes Set and Delete return after the Hot write and
	// replicate to Cold in the background. If false, Cold is written first.
	AsyncWrites bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered key-value store:
// - Read-Through: Get (Hot → Cold → populate Hot)
// - Write-Through: Set, Delete (Cold → Hot), or Hot then async Cold with AsyncWrites
type Storage struct {
	hot  purchases.KeyValueStore
	cold purchases.KeyValueStore
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncWrites {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncWrites {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so Cold sees writes in the order Hot did.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				// Drain queue on shutdown
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func() error) {
	if err := job(); err != nil {
		s.reportAsyncError(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (s *Storage) reportAsyncError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// enqueue schedules a Cold write without blocking.
func (s *Storage) enqueue(job func() error) {
	select {
	case s.syncQueue <- job:
	default:
		s.reportAsyncError(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
}

// Get implements purchases.KeyValueStore with read-through strategy.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	// 1. Try Hot
	value, err := s.hot.Get(ctx, key)
	if err == nil {
		return value, nil
	}

	// 2. Try Cold (Source of Truth)
	value, err = s.cold.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	_ = s.hot.Set(ctx, key, value) //nolint:errcheck // Cache fill - errors are non-critical

	return value, nil
}

// Set implements purchases.KeyValueStore.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if s.conf.AsyncWrites {
		if err := s.hot.Set(ctx, key, value); err != nil {
			return err
		}
		clone := append([]byte(nil), value...)
		s.enqueue(func() error {
			// Context background ensures completion even if request cancels
			return s.cold.Set(context.Background(), key, clone)
		})
		return nil
	}

	if err := s.cold.Set(ctx, key, value); err != nil {
		return err
	}
	return s.hot.Set(ctx, key, value)
}

// Delete implements purchases.KeyValueStore.
func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if s.conf.AsyncWrites {
		if err := s.hot.Delete(ctx, keys...); err != nil {
			return err
		}
		clone := append([]string(nil), keys...)
		s.enqueue(func() error {
			return s.cold.Delete(context.Background(), clone...)
		})
		return nil
	}

	if err := s.cold.Delete(ctx, keys...); err != nil {
		return err
	}
	return s.hot.Delete(ctx, keys...)
}
