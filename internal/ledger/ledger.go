// Package ledger stores data items, bundles and storage peers.
//
// Items are the source of truth for bundle membership: a bundle row has no
// member list, membership is the set of items whose bundle id points at it
// (kept in the m: index in the same transaction as the item row).
package ledger

import (
	"errors"
	"math/big"
	"time"

	"Bundler/internal/storage"
)

// MaxBundleBytes is the total item size cap for a single bundle.
const MaxBundleBytes = 750_000_000

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when inserting an item whose id exists.
	ErrDuplicate = errors.New("duplicate data item")

	// ErrBundleNotEmpty is returned by DeleteBundle when items still point
	// at the bundle.
	ErrBundleNotEmpty = errors.New("bundle has member items")
)

// DataItem is a single submitted item.
type DataItem struct {
	ID             string    // ID is the base64url content address
	Address        string    // Address is the owning account
	Size           uint64    // Size is the item's byte size
	Currency       string    // Currency the fee was paid in
	Fee            *big.Int  // Fee is the amount charged
	FeeTransaction string    // FeeTransaction references the payment, if any
	Signature      []byte    // Signature is the item signature
	CurrentBlock   uint64    // CurrentBlock is the height at ingestion
	ExpectedBlock  uint64    // ExpectedBlock is the promised inclusion height
	BundleID       uint64    // BundleID is 0 while unbundled
	Requeued       uint32    // Requeued counts releases back to the pool
	CreatedAt      time.Time // CreatedAt orders items for batching
}

// Bundle is a batch of items committed as one network transaction.
type Bundle struct {
	ID          uint64    // ID is the monotonic bundle id
	TxID        string    // TxID is empty until posted
	Seeded      bool      // Seeded is set once a peer quorum holds the data
	Requeued    uint32    // Requeued counts re-enqueued post tasks
	JobID       uint64    // JobID is the task currently driving the bundle
	BlockPosted uint64    // BlockPosted is the chain height at post time
	CreatedAt   time.Time // CreatedAt is the creation time
}

// Posted reports whether the bundle has a network transaction.
func (b *Bundle) Posted() bool {
	return b.TxID != ""
}

// Peer is a storage peer with its reputation.
type Peer struct {
	Address   string    // Address is host:port
	Trust     float64   // Trust is in [0, 100]
	CreatedAt time.Time // CreatedAt is when the peer was first recorded
}

// Ledger is the relational view over storage.
type Ledger struct {
	db  *storage.Storage
	now func() time.Time
}

// New creates a Ledger over db.
func New(db *storage.Storage) *Ledger {
	return &Ledger{db: db, now: time.Now}
}
