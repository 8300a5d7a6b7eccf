package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"Bundler/internal/storage"
)

// Batch is the result of CreateBatch.
type Batch struct {
	BundleID uint64 // BundleID is 0 when nothing was selected
	Items    int    // Items is the number of assigned members
	Bytes    uint64 // Bytes is the summed member size
}

// CreateBatch selects unbundled items in creation order until adding the
// next one would push the total above maxBytes, creates a bundle and
// assigns every selected item to it. Selection, bundle insert and
// assignment commit as one transaction. An empty selection creates nothing.
func (l *Ledger) CreateBatch(maxBytes uint64) (Batch, error) {
	var result Batch

	err := l.db.Update(func(txn *storage.Txn) error {
		selected, total, err := selectBatch(txn, maxBytes)
		if err != nil {
			return fmt.Errorf("select items:\n%w", err)
		}

		if len(selected) == 0 {
			return nil
		}

		id, err := l.insertBundle(txn)
		if err != nil {
			return err
		}

		if err := assignBatch(txn, selected, id); err != nil {
			return err
		}

		result = Batch{BundleID: id, Items: len(selected), Bytes: total}

		return nil
	})
	if err != nil {
		return Batch{}, err
	}

	return result, nil
}

// insertBundle allocates the next bundle id and writes its row.
func (l *Ledger) insertBundle(txn *storage.Txn) (uint64, error) {
	id, err := nextBundleID(txn)
	if err != nil {
		return 0, fmt.Errorf("allocate bundle id:\n%w", err)
	}

	b := &Bundle{ID: id, CreatedAt: l.now()}
	if err := txn.Set(bundleKey(id), encodeBundle(b)); err != nil {
		return 0, err
	}

	return id, nil
}

func assignBatch(txn *storage.Txn, selected []*DataItem, id uint64) error {
	for _, it := range selected {
		if err := assign(txn, it, id); err != nil {
			return fmt.Errorf("assign %s:\n%w", it.ID, err)
		}
	}
	return nil
}

// selectBatch walks the unbundled index in creation order. The item that
// would overflow maxBytes ends the scan and is excluded. A repeated id keeps
// its latest occurrence.
func selectBatch(r storage.Reader, maxBytes uint64) ([]*DataItem, uint64, error) {
	var ids []string

	err := r.IteratePrefix(prefixUnbundled, func(key, _ []byte) error {
		ids = append(ids, unbundledID(key))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	var (
		selected []*DataItem
		position = make(map[string]int)
		total    uint64
	)

	for _, id := range ids {
		it, err := getItem(r, id)
		if err != nil {
			return nil, 0, err
		}

		if total+it.Size > maxBytes {
			break
		}
		total += it.Size

		if i, seen := position[id]; seen {
			total -= selected[i].Size
			selected[i] = it
			continue
		}

		position[id] = len(selected)
		selected = append(selected, it)
	}

	return selected, total, nil
}

// nextBundleID increments and returns the bundle sequence.
func nextBundleID(txn *storage.Txn) (uint64, error) {
	data, err := txn.Get(keyBundleSeq)
	if err != nil {
		return 0, err
	}

	var last uint64
	if len(data) == 8 {
		last = binary.BigEndian.Uint64(data)
	}

	next := last + 1
	if err := txn.Set(keyBundleSeq, binary.BigEndian.AppendUint64(nil, next)); err != nil {
		return 0, err
	}

	return next, nil
}

// Bundle returns the bundle row with the given id.
func (l *Ledger) Bundle(id uint64) (*Bundle, error) {
	return getBundle(l.db, id)
}

// Bundles returns every bundle row in id order.
func (l *Ledger) Bundles() ([]*Bundle, error) {
	var bundles []*Bundle

	err := l.db.IteratePrefix(prefixBundle, func(_, value []byte) error {
		bundles = append(bundles, decodeBundle(value))
		return nil
	})

	return bundles, err
}

// StaleBundles returns unposted bundles created before cutoff.
func (l *Ledger) StaleBundles(cutoff time.Time) ([]*Bundle, error) {
	var stale []*Bundle

	err := l.db.IteratePrefix(prefixBundle, func(_, value []byte) error {
		b := decodeBundle(value)
		if !b.Posted() && b.CreatedAt.Before(cutoff) {
			stale = append(stale, b)
		}
		return nil
	})

	return stale, err
}

// SetPosted records the network transaction of a bundle.
func (l *Ledger) SetPosted(id uint64, txID string, blockPosted, jobID uint64) error {
	return l.updateBundle(id, func(b *Bundle) {
		b.TxID = txID
		b.BlockPosted = blockPosted
		b.JobID = jobID
	})
}

// SetJob records the task currently driving the bundle.
func (l *Ledger) SetJob(id, jobID uint64) error {
	return l.updateBundle(id, func(b *Bundle) {
		b.JobID = jobID
	})
}

// Requeue records a re-enqueued post task.
func (l *Ledger) Requeue(id, jobID uint64) error {
	return l.updateBundle(id, func(b *Bundle) {
		b.JobID = jobID
		b.Requeued++
	})
}

// MarkSeeded sets the seeded flag.
func (l *Ledger) MarkSeeded(id uint64) error {
	return l.updateBundle(id, func(b *Bundle) {
		b.Seeded = true
	})
}

// DeleteBundle removes a bundle row that has no members.
func (l *Ledger) DeleteBundle(id uint64) error {
	return l.db.Update(func(txn *storage.Txn) error {
		members, err := memberIDs(txn, id)
		if err != nil {
			return err
		}
		if len(members) > 0 {
			return fmt.Errorf("bundle %d: %w", id, ErrBundleNotEmpty)
		}

		return txn.Delete(bundleKey(id))
	})
}

// ReleaseBundle returns every member to the unbundled pool and deletes the
// bundle. Returns the number of released items; a missing bundle is a no-op.
func (l *Ledger) ReleaseBundle(id uint64) (int, error) {
	released, _, err := l.Reallocate(id, nil)
	return released, err
}

// Reallocate deletes the listed dangling members, releases every other
// member back to the pool and deletes the bundle, all in one transaction.
// Ids in dangling that are not members are ignored. Running it again after
// it committed finds no bundle and changes nothing.
func (l *Ledger) Reallocate(id uint64, dangling []string) (released, deleted int, err error) {
	drop := make(map[string]bool, len(dangling))
	for _, d := range dangling {
		drop[d] = true
	}

	err = l.db.Update(func(txn *storage.Txn) error {
		released, deleted = 0, 0

		row, err := txn.Get(bundleKey(id))
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}

		members, err := memberIDs(txn, id)
		if err != nil {
			return err
		}

		for _, memberID := range members {
			it, err := getItem(txn, memberID)
			if err != nil {
				return err
			}

			if drop[memberID] {
				if err := remove(txn, it); err != nil {
					return fmt.Errorf("delete %s:\n%w", memberID, err)
				}
				deleted++
				continue
			}

			if err := release(txn, it); err != nil {
				return fmt.Errorf("release %s:\n%w", memberID, err)
			}
			released++
		}

		return txn.Delete(bundleKey(id))
	})
	if err != nil {
		return 0, 0, err
	}

	return released, deleted, nil
}

// updateBundle applies fn to a bundle row inside a transaction.
func (l *Ledger) updateBundle(id uint64, fn func(b *Bundle)) error {
	return l.db.Update(func(txn *storage.Txn) error {
		b, err := getBundle(txn, id)
		if err != nil {
			return err
		}

		fn(b)

		return txn.Set(bundleKey(id), encodeBundle(b))
	})
}

// getBundle loads one bundle row.
func getBundle(r storage.Reader, id uint64) (*Bundle, error) {
	data, err := r.Get(bundleKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("bundle %d: %w", id, ErrNotFound)
	}

	return decodeBundle(data), nil
}
