package ledger

import (
	"fmt"
	"math/big"

	"Bundler/internal/storage"
)

// InsertItem records a new unbundled item and rolls its fee into the
// owner's fee sum in the same transaction.
func (l *Ledger) InsertItem(it DataItem) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = l.now()
	}
	if it.Fee == nil {
		it.Fee = new(big.Int)
	}
	it.BundleID = 0

	return l.db.Update(func(txn *storage.Txn) error {
		existing, err := txn.Get(itemKey(it.ID))
		if err != nil {
			return fmt.Errorf("read item:\n%w", err)
		}
		if existing != nil {
			return fmt.Errorf("%s: %w", it.ID, ErrDuplicate)
		}

		if err := txn.Set(itemKey(it.ID), encodeItem(&it)); err != nil {
			return err
		}

		if err := txn.Set(unbundledKey(it.CreatedAt.UnixNano(), it.ID), nil); err != nil {
			return err
		}

		return addFee(txn, it.Address, it.Currency, it.Fee)
	})
}

// Item returns the item with the given id.
func (l *Ledger) Item(id string) (*DataItem, error) {
	return getItem(l.db, id)
}

// CountUnbundled returns the number of items without a bundle.
func (l *Ledger) CountUnbundled() (int, error) {
	count := 0

	err := l.db.IteratePrefix(prefixUnbundled, func(_, _ []byte) error {
		count++
		return nil
	})

	return count, err
}

// ItemIDs returns the member ids of a bundle in container order.
func (l *Ledger) ItemIDs(bundleID uint64) ([]string, error) {
	return memberIDs(l.db, bundleID)
}

// Items returns the member rows of a bundle in container order.
func (l *Ledger) Items(bundleID uint64) ([]*DataItem, error) {
	ids, err := memberIDs(l.db, bundleID)
	if err != nil {
		return nil, err
	}

	items := make([]*DataItem, 0, len(ids))
	for _, id := range ids {
		it, err := getItem(l.db, id)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}

	return items, nil
}

// CountItems returns the number of members of a bundle.
func (l *Ledger) CountItems(bundleID uint64) (int, error) {
	count := 0

	err := l.db.IteratePrefix(memberPrefix(bundleID), func(_, _ []byte) error {
		count++
		return nil
	})

	return count, err
}

// FeeSum returns the total fees charged to address in currency.
func (l *Ledger) FeeSum(address, currency string) (*big.Int, error) {
	return readFee(l.db, address, currency)
}

// getItem loads one item row.
func getItem(r storage.Reader, id string) (*DataItem, error) {
	data, err := r.Get(itemKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}

	return decodeItem(data)
}

// memberIDs lists a bundle's items from the membership index.
func memberIDs(r storage.Reader, bundleID uint64) ([]string, error) {
	var ids []string

	err := r.IteratePrefix(memberPrefix(bundleID), func(key, _ []byte) error {
		ids = append(ids, memberID(key))
		return nil
	})

	return ids, err
}

// assign moves an unbundled item into bundleID.
func assign(txn *storage.Txn, it *DataItem, bundleID uint64) error {
	if err := txn.Delete(unbundledKey(it.CreatedAt.UnixNano(), it.ID)); err != nil {
		return err
	}

	it.BundleID = bundleID

	if err := txn.Set(memberKey(bundleID, it.ID), nil); err != nil {
		return err
	}

	return txn.Set(itemKey(it.ID), encodeItem(it))
}

// release returns a bundled item to the unbundled pool at its original
// creation position.
func release(txn *storage.Txn, it *DataItem) error {
	if err := txn.Delete(memberKey(it.BundleID, it.ID)); err != nil {
		return err
	}

	it.BundleID = 0
	it.Requeued++

	if err := txn.Set(unbundledKey(it.CreatedAt.UnixNano(), it.ID), nil); err != nil {
		return err
	}

	return txn.Set(itemKey(it.ID), encodeItem(it))
}

// remove deletes an item row and its index entries.
func remove(txn *storage.Txn, it *DataItem) error {
	if it.BundleID != 0 {
		if err := txn.Delete(memberKey(it.BundleID, it.ID)); err != nil {
			return err
		}
	} else {
		if err := txn.Delete(unbundledKey(it.CreatedAt.UnixNano(), it.ID)); err != nil {
			return err
		}
	}

	return txn.Delete(itemKey(it.ID))
}

// readFee reads a fee sum, zero if absent.
func readFee(r storage.Reader, address, currency string) (*big.Int, error) {
	data, err := r.Get(feeSumKey(address, currency))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return new(big.Int), nil
	}

	sum, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("invalid fee sum %q", data)
	}

	return sum, nil
}

// addFee adds fee to the (address, currency) rollup.
func addFee(txn *storage.Txn, address, currency string, fee *big.Int) error {
	sum, err := readFee(txn, address, currency)
	if err != nil {
		return fmt.Errorf("read fee sum:\n%w", err)
	}

	sum.Add(sum, fee)

	return txn.Set(feeSumKey(address, currency), []byte(sum.String()))
}
