// Package objectstore holds item bodies in durable object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"Bundler/internal/logger"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Info describes a stored object.
type Info struct {
	Size     int64             // Size is the object length in bytes
	Metadata map[string]string // Metadata is the user metadata
}

// Store is the object storage surface used by the node.
type Store interface {
	// Put stores size bytes from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error

	// Stat returns the object's info or ErrNotFound.
	Stat(ctx context.Context, key string) (Info, error)

	// Get returns the bytes in [start, end] of key; end < 0 reads to the end.
	Get(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
}

const (
	// defaultStatAttempts is the stat budget used across the node.
	defaultStatAttempts = 3

	// statRetryDelay is the pause between stat attempts.
	statRetryDelay = 500 * time.Millisecond
)

// StatRetry stats key up to attempts times. ErrNotFound stops early since
// retrying cannot change it.
func StatRetry(ctx context.Context, s Store, key string, attempts int) (Info, error) {
	if attempts < 1 {
		attempts = defaultStatAttempts
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		info, err := s.Stat(ctx, key)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, ErrNotFound) {
			return Info{}, err
		}

		lastErr = err
		logger.Debug("stat failed", "key", key, "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-time.After(statRetryDelay):
		}
	}

	return Info{}, fmt.Errorf("stat %s after %d attempts:\n%w", key, attempts, lastErr)
}
