package storage

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("storage closed")

// Reader is the read surface shared by Storage and Txn.
// Keys and values handed to iteration callbacks are only valid for the
// duration of the callback.
type Reader interface {
	Get(key []byte) ([]byte, error)
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	IterateRange(lower, upper []byte, fn func(key, value []byte) error) error
}

// Storage provides a key-value store backed by Pebble.
// Single-key writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk. Multi-key mutations go through Update,
// which commits synchronously as one atomic batch.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	writeMu  sync.Mutex    // writeMu serializes Update transactions
	closed   bool          // closed is set by Close under writeMu
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New creates a new Storage instance at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func New(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	return getCopy(s.db, key)
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in lexicographic key order. If fn returns an error, iteration stops and
// the error is returned.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.IterateRange(prefix, PrefixUpperBound(prefix), fn)
}

// IterateRange calls fn for each key in [lower, upper). A nil upper bound
// scans to the end of the keyspace.
func (s *Storage) IterateRange(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}

	return walk(iter, fn)
}

// Update runs fn inside a read-write transaction. Reads through the Txn
// observe its own uncommitted writes. If fn returns an error nothing is
// written; otherwise every mutation commits atomically and is synced to
// disk before Update returns. Transactions are serialized.
func (s *Storage) Update(fn func(txn *Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return ErrClosed
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&Txn{batch: batch}); err != nil {
		return err
	}

	if batch.Empty() {
		return nil
	}

	return batch.Commit(pebble.Sync)
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Storage) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeMu.Unlock()

	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// Txn is a pending atomic transaction created by Update.
type Txn struct {
	batch *pebble.Batch
}

// Get reads key, observing writes already made in this transaction.
func (t *Txn) Get(key []byte) ([]byte, error) {
	return getCopy(t.batch, key)
}

// Set stages a write.
func (t *Txn) Set(key, value []byte) error {
	return t.batch.Set(key, value, nil)
}

// Delete stages a deletion.
func (t *Txn) Delete(key []byte) error {
	return t.batch.Delete(key, nil)
}

// IteratePrefix iterates the merged view of the database and this
// transaction. Callers must not mutate the transaction from inside fn.
func (t *Txn) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return t.IterateRange(prefix, PrefixUpperBound(prefix), fn)
}

// IterateRange iterates [lower, upper) over the merged view.
func (t *Txn) IterateRange(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}

	return walk(iter, fn)
}

// getter is satisfied by *pebble.DB and *pebble.Batch.
type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// getCopy reads key and copies the value out of Pebble-owned memory.
func getCopy(g getter, key []byte) ([]byte, error) {
	value, closer, err := g.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// walk drains iter through fn and closes it.
func walk(iter *pebble.Iterator, fn func(key, value []byte) error) error {
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// PrefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil // all 0xFF → unbounded
}
