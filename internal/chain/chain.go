// Package chain talks to the storage network: the gateway that accepts and
// reports on transactions, and the individual storage peers that replicate
// their data.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// ErrNotFound is returned when the network does not know a transaction.
var ErrNotFound = errors.New("transaction not found")

// Tag is a name/value label attached to a transaction.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Transaction is a network transaction carrying a bundle container.
type Transaction struct {
	Format    int    `json:"format"`
	ID        string `json:"id"`
	LastTx    string `json:"last_tx"`
	Owner     string `json:"owner"`
	Tags      []Tag  `json:"tags"`
	DataSize  string `json:"data_size"`
	DataRoot  string `json:"data_root"`
	Reward    string `json:"reward"`
	Signature string `json:"signature"`
}

// AddTag appends a tag.
func (tx *Transaction) AddTag(name, value string) {
	tx.Tags = append(tx.Tags, Tag{Name: name, Value: value})
}

// ScaleReward multiplies the reward by m, rounding to the nearest unit.
func (tx *Transaction) ScaleReward(m float64) error {
	reward, ok := new(big.Int).SetString(tx.Reward, 10)
	if !ok {
		return fmt.Errorf("invalid reward %q", tx.Reward)
	}

	scaled := new(big.Float).SetInt(reward)
	scaled.Mul(scaled, big.NewFloat(m))
	scaled.Add(scaled, big.NewFloat(0.5))

	rounded, _ := scaled.Int(nil)
	tx.Reward = rounded.String()

	return nil
}

// Status is the gateway's view of a transaction.
type Status struct {
	Code          int    // Code is the HTTP status of the status query
	Confirmations uint64 // Confirmations is set when Code is 200
	BlockHeight   uint64 // BlockHeight is the inclusion height when Code is 200
}

// Offset locates a transaction's data in a peer's weave.
type Offset struct {
	Size   uint64 // Size is the data size
	Offset uint64 // Offset is the absolute end offset
}

// SyncRange is a contiguous interval a peer reports as synced.
type SyncRange struct {
	Start uint64
	End   uint64
}

// Covers reports whether the range holds the whole of o.
func (r SyncRange) Covers(o Offset) bool {
	return o.Size <= o.Offset && o.Offset <= r.End && o.Offset-o.Size >= r.Start
}

// Client is the ledger client used by the poster, seeder and reconciler.
type Client interface {
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	Status(ctx context.Context, txID string) (Status, error)
	Price(ctx context.Context, bytes uint64) (*big.Int, error)
	CreateTransaction(ctx context.Context, data io.Reader) (*Transaction, error)
	Sign(ctx context.Context, tx *Transaction) error
	Submit(ctx context.Context, tx *Transaction, data io.Reader) error
	Transaction(ctx context.Context, txID string) (*Transaction, error)
}

// PeerClient reaches individual storage peers by address.
type PeerClient interface {
	Upload(ctx context.Context, peer string, tx *Transaction, data io.Reader) error
	Offset(ctx context.Context, peer, txID string) (Offset, error)
	SyncRecord(ctx context.Context, peer string, start uint64) (SyncRange, error)
}

// Signer signs transactions in place, setting owner, signature and id.
type Signer interface {
	Sign(tx *Transaction) error
}
