// Package container builds the binary bundle container: a header listing
// every member item followed by the item bodies in header order.
//
// Header layout, all integers little-endian:
//
//	[0:32)          item count in the first 8 bytes, zero padded
//	[32+64i:64+64i) size of item i in the first 8 bytes, zero padded
//	[64+64i:96+64i) raw 32-byte id of item i
package container

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// fieldSize is the width of every header field.
	fieldSize = 32

	// entrySize is one size field plus one id field.
	entrySize = 2 * fieldSize

	// statConcurrency bounds concurrent size lookups.
	statConcurrency = 8
)

var (
	// ErrInvalidID is returned for ids that do not decode to 32 bytes.
	ErrInvalidID = errors.New("invalid item id")

	// ErrMalformed is returned when a header does not round-trip.
	ErrMalformed = errors.New("header malformed")
)

// Sizer reports the byte size of an item.
type Sizer interface {
	Size(ctx context.Context, id string) (uint64, error)
}

// Entry is one header entry.
type Entry struct {
	ID   string
	Size uint64
}

// DecodeID decodes a url-safe base64 item id into its 32 raw bytes. Ids
// whose unused trailing bits are set are rejected, so every 32-byte value
// has exactly one accepted spelling.
func DecodeID(id string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.Strict().DecodeString(strings.TrimRight(id, "="))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidID, id, err)
	}

	if len(raw) != fieldSize {
		return nil, fmt.Errorf("%w %q: %d bytes", ErrInvalidID, id, len(raw))
	}

	return raw, nil
}

// Encode builds the header for ids. Every id is validated before any size
// lookup; items missing from storage fail the whole build with a
// *DanglingError listing them.
func Encode(ctx context.Context, ids []string, sizer Sizer) ([]byte, error) {
	raws := make([][]byte, len(ids))
	for i, id := range ids {
		raw, err := DecodeID(id)
		if err != nil {
			return nil, err
		}
		raws[i] = raw
	}

	sizes, err := lookupSizes(ctx, ids, sizer)
	if err != nil {
		return nil, err
	}

	header := make([]byte, fieldSize+entrySize*len(ids))
	binary.LittleEndian.PutUint64(header, uint64(len(ids)))

	for i := range ids {
		off := fieldSize + entrySize*i
		binary.LittleEndian.PutUint64(header[off:], sizes[i])
		copy(header[off+fieldSize:], raws[i])
	}

	return header, nil
}

// Decode returns the id sequence of a header.
func Decode(header []byte) ([]string, error) {
	entries, err := DecodeEntries(header)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	return ids, nil
}

// DecodeEntries returns every entry of a header.
func DecodeEntries(header []byte) ([]Entry, error) {
	if len(header) < fieldSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(header))
	}

	count := binary.LittleEndian.Uint64(header)
	if !zero(header[8:fieldSize]) {
		return nil, fmt.Errorf("%w: count padding not zero", ErrMalformed)
	}

	if uint64(len(header)-fieldSize)/entrySize != count || (len(header)-fieldSize)%entrySize != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d items", ErrMalformed, len(header), count)
	}

	entries := make([]Entry, count)
	for i := range entries {
		off := fieldSize + entrySize*i
		entries[i] = Entry{
			Size: binary.LittleEndian.Uint64(header[off:]),
			ID:   base64.RawURLEncoding.EncodeToString(header[off+fieldSize : off+entrySize]),
		}
	}

	return entries, nil
}

// HeaderSize is the header length for count items.
func HeaderSize(count int) int64 {
	return int64(fieldSize + entrySize*count)
}

// lookupSizes stats every id with bounded concurrency, keeping order.
func lookupSizes(ctx context.Context, ids []string, sizer Sizer) ([]uint64, error) {
	sizes := make([]uint64, len(ids))

	var (
		mu      sync.Mutex
		missing []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			size, err := sizer.Size(gctx, id)
			if errors.Is(err, ErrItemNotFound) {
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("size of %s:\n%w", id, err)
			}

			sizes[i] = size
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		return nil, &DanglingError{IDs: orderLike(missing, ids)}
	}

	return sizes, nil
}

// orderLike sorts subset into the order it has in full.
func orderLike(subset, full []string) []string {
	want := make(map[string]bool, len(subset))
	for _, id := range subset {
		want[id] = true
	}

	ordered := make([]string, 0, len(subset))
	for _, id := range full {
		if want[id] {
			ordered = append(ordered, id)
		}
	}

	return ordered
}

func zero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
