// Package kvcache is the node's shared key-value cache.
//
// Values live in an in-process TTL cache and are written through to Pebble
// so cached transactions survive a restart. Durable values are zstd
// compressed and prefixed with their expiry.
package kvcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	cache "github.com/patrickmn/go-cache"

	"Bundler/internal/storage"
)

const (
	// cleanupInterval is how often the front cache drops expired entries.
	cleanupInterval = 10 * time.Minute
)

// Well-known keys.
const (
	KeyRewardMultiplier = "reward_multiplier"
	KeyPricePerByte     = "price_per_byte"
	KeyLastSeeded       = "last_seeded"
	KeyDropped          = "num_dropped"
)

// TxKey is the cache key of a signed transaction.
func TxKey(txID string) string {
	return "tx:" + txID
}

// HeightKey is the cache key of a currency's current block height.
func HeightKey(currency string) string {
	return "current_height:" + currency
}

// ConversionKey is the cache key of a currency's conversion ratio.
func ConversionKey(currency string) string {
	return "conversion:" + currency
}

var prefixCache = []byte("c:")

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a TTL cache with a durable Pebble back.
type Cache struct {
	front *cache.Cache     // front holds decoded values in memory
	db    *storage.Storage // db persists compressed values
	enc   *zstd.Encoder    // enc compresses durable values
	dec   *zstd.Decoder    // dec decompresses durable values
	now   func() time.Time
}

// New creates a Cache over db.
func New(db *storage.Storage) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Cache{
		front: cache.New(cache.NoExpiration, cleanupInterval),
		db:    db,
		enc:   enc,
		dec:   dec,
		now:   time.Now,
	}, nil
}

// Close releases the codec resources.
func (c *Cache) Close() {
	c.enc.Close()
	c.dec.Close()
}

// Get returns the value of key or ErrMiss.
func (c *Cache) Get(key string) ([]byte, error) {
	if v, found := c.front.Get(key); found {
		return v.([]byte), nil
	}

	raw, err := c.db.Get(durableKey(key))
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", key, err)
	}
	if len(raw) < 8 {
		return nil, ErrMiss
	}

	expiry := int64(binary.BigEndian.Uint64(raw[:8]))

	var ttl time.Duration
	if expiry != 0 {
		ttl = time.Unix(0, expiry).Sub(c.now())
		if ttl <= 0 {
			return nil, ErrMiss
		}
	}

	value, err := c.dec.DecodeAll(raw[8:], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s:\n%w", key, err)
	}

	c.front.Set(key, value, frontTTL(ttl))

	return value, nil
}

// Set stores value under key. A zero ttl never expires.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	var expiry int64
	if ttl > 0 {
		expiry = c.now().Add(ttl).UnixNano()
	}

	raw := binary.BigEndian.AppendUint64(nil, uint64(expiry))
	raw = c.enc.EncodeAll(value, raw)

	if err := c.db.Set(durableKey(key), raw); err != nil {
		return fmt.Errorf("write %s:\n%w", key, err)
	}

	c.front.Set(key, value, frontTTL(ttl))

	return nil
}

// Delete removes key.
func (c *Cache) Delete(key string) error {
	c.front.Delete(key)

	return c.db.Delete(durableKey(key))
}

// Incr atomically adds delta to an integer counter and returns the result.
func (c *Cache) Incr(key string, delta int64) (int64, error) {
	var next int64

	err := c.db.Update(func(txn *storage.Txn) error {
		current, err := c.readInt(txn, key)
		if err != nil {
			return err
		}

		next = current + delta
		raw := binary.BigEndian.AppendUint64(nil, 0)
		raw = c.enc.EncodeAll([]byte(strconv.FormatInt(next, 10)), raw)

		return txn.Set(durableKey(key), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s:\n%w", key, err)
	}

	c.front.Set(key, []byte(strconv.FormatInt(next, 10)), cache.NoExpiration)

	return next, nil
}

// Int returns an integer counter, zero when absent.
func (c *Cache) Int(key string) (int64, error) {
	value, err := c.Get(key)
	if errors.Is(err, ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(string(value), 10, 64)
}

// Float returns a float value or def when absent.
func (c *Cache) Float(key string, def float64) (float64, error) {
	value, err := c.Get(key)
	if errors.Is(err, ErrMiss) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}

	f, err := strconv.ParseFloat(string(value), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s:\n%w", key, err)
	}

	return f, nil
}

// SetFloat stores a float value without expiry.
func (c *Cache) SetFloat(key string, value float64) error {
	return c.Set(key, []byte(strconv.FormatFloat(value, 'g', -1, 64)), 0)
}

// Prune deletes expired durable entries and returns how many were removed.
func (c *Cache) Prune() (int, error) {
	now := c.now().UnixNano()
	removed := 0

	err := c.db.Update(func(txn *storage.Txn) error {
		var expired [][]byte

		err := txn.IteratePrefix(prefixCache, func(key, value []byte) error {
			if len(value) < 8 {
				return nil
			}
			expiry := int64(binary.BigEndian.Uint64(value[:8]))
			if expiry != 0 && expiry <= now {
				expired = append(expired, append([]byte{}, key...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		removed = len(expired)

		return nil
	})

	return removed, err
}

// readInt reads a counter inside a transaction.
func (c *Cache) readInt(r storage.Reader, key string) (int64, error) {
	raw, err := r.Get(durableKey(key))
	if err != nil {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, nil
	}

	value, err := c.dec.DecodeAll(raw[8:], nil)
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(string(value), 10, 64)
}

func durableKey(key string) []byte {
	return append(append([]byte{}, prefixCache...), key...)
}

// frontTTL maps a zero ttl to no expiry in the front cache.
func frontTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}
