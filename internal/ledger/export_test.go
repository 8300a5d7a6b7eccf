package ledger

import "Bundler/internal/storage"

// createBatchCrashing runs CreateBatch's transaction but fails with crash
// right after the bundle row is written, before any member is assigned.
func (l *Ledger) createBatchCrashing(maxBytes uint64, crash error) error {
	return l.db.Update(func(txn *storage.Txn) error {
		selected, _, err := selectBatch(txn, maxBytes)
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			return nil
		}

		if _, err := l.insertBundle(txn); err != nil {
			return err
		}

		return crash
	})
}
