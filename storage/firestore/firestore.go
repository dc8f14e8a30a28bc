// Package firestore provides a Firestore implementation of purchases.KeyValueStore.
// Every key is one document holding the raw value bytes.
package firestore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Storage implements purchases.KeyValueStore using Google Cloud Firestore
type Storage struct {
	client     *firestore.Client
	collection string
}

// Config holds Firestore storage configuration
type Config struct {
	// Collection is the Firestore collection holding the cache documents
	// Default: "purchases_cache"
	Collection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.Collection == "" {
		config.Collection = "purchases_cache"
	}

	return &Storage{
		client:     client,
		collection: config.Collection,
	}, nil
}

// Get implements purchases.KeyValueStore
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, purchases.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if !snap.Exists() {
		return nil, purchases.ErrKeyNotFound
	}

	value, ok := snap.Data()["value"].([]byte)
	if !ok {
		return nil, fmt.Errorf("document %s has no value", key)
	}
	return value, nil
}

// Set implements purchases.KeyValueStore
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	data := map[string]interface{}{
		"key":       key,
		"value":     value,
		"updatedAt": time.Now().UTC(),
	}
	if _, err := s.doc(key).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete implements purchases.KeyValueStore
func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(keys))
	for _, key := range keys {
		job, err := bw.Delete(s.doc(key))
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to delete %s: %w", keys[i], err)
		}
	}
	return nil
}

// doc returns the document for key. Keys may contain '/', which Firestore
// reserves as a path separator.
func (s *Storage) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(url.PathEscape(key))
}
