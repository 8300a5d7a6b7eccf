package ledger

import (
	"fmt"
	"sort"
	"strings"

	"Bundler/internal/codec"
	"Bundler/internal/storage"
)

// BundlerPeer is a registered fellow bundler node.
type BundlerPeer struct {
	Address       string `cbor:"address"`        // Address is the bundler's account
	PublicKey     string `cbor:"public_key"`     // PublicKey is the bundler's signing key
	InitializerTx string `cbor:"initializer_tx"` // InitializerTx registered the bundler
	Host          string `cbor:"host"`           // Host is the reachable hostname
	Port          int    `cbor:"port"`           // Port is the reachable port
}

// IsLoopback reports whether addr points at the local host.
func IsLoopback(addr string) bool {
	return strings.HasPrefix(addr, "127.0.0.1") || strings.HasPrefix(addr, "localhost")
}

// AddPeers records new peers with zero trust. Known and loopback addresses
// are skipped. Returns how many rows were created.
func (l *Ledger) AddPeers(addrs []string) (int, error) {
	added := 0

	err := l.db.Update(func(txn *storage.Txn) error {
		added = 0

		for _, addr := range addrs {
			if addr == "" || IsLoopback(addr) {
				continue
			}

			existing, err := txn.Get(peerKey(addr))
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			p := &Peer{Address: addr, CreatedAt: l.now()}
			if err := txn.Set(peerKey(addr), encodePeer(p)); err != nil {
				return err
			}
			added++
		}

		return nil
	})

	return added, err
}

// Peer returns the peer with the given address.
func (l *Ledger) Peer(addr string) (*Peer, error) {
	data, err := l.db.Get(peerKey(addr))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("peer %s: %w", addr, ErrNotFound)
	}

	return decodePeer(data), nil
}

// RankedPeers returns every peer ordered by descending trust, ties broken
// by address.
func (l *Ledger) RankedPeers() ([]*Peer, error) {
	var peers []*Peer

	err := l.db.IteratePrefix(prefixPeer, func(_, value []byte) error {
		peers = append(peers, decodePeer(value))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].Trust != peers[j].Trust {
			return peers[i].Trust > peers[j].Trust
		}
		return peers[i].Address < peers[j].Address
	})

	return peers, nil
}

// SetTrust overwrites a peer's trust. Unknown peers are an error.
func (l *Ledger) SetTrust(addr string, trust float64) error {
	_, _, err := l.AdjustTrust(addr, func(float64) float64 { return trust })
	return err
}

// AdjustTrust replaces a peer's trust with fn applied to its current value
// and returns both values. The read and the write share one transaction.
// Unknown peers are an error.
func (l *Ledger) AdjustTrust(addr string, fn func(float64) float64) (from, to float64, err error) {
	key := peerKey(addr)

	err = l.db.Update(func(txn *storage.Txn) error {
		data, err := txn.Get(key)
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
		}

		p := decodePeer(data)
		from = p.Trust
		p.Trust = fn(p.Trust)
		to = p.Trust

		return txn.Set(key, encodePeer(p))
	})
	if err != nil {
		return 0, 0, err
	}

	return from, to, nil
}

// DeletePeer removes a peer row.
func (l *Ledger) DeletePeer(addr string) error {
	return l.db.Delete(peerKey(addr))
}

// ReplaceBundlerPeers swaps the whole bundler peer table in one transaction.
func (l *Ledger) ReplaceBundlerPeers(peers []BundlerPeer) error {
	return l.db.Update(func(txn *storage.Txn) error {
		var stale [][]byte

		err := txn.IteratePrefix(prefixBundlerPeer, func(key, _ []byte) error {
			stale = append(stale, append([]byte{}, key...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for _, p := range peers {
			data, err := codec.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode bundler peer %s:\n%w", p.Address, err)
			}

			if err := txn.Set(bundlerPeerKey(p.Address), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// BundlerPeers returns the bundler peer table ordered by address.
func (l *Ledger) BundlerPeers() ([]BundlerPeer, error) {
	var peers []BundlerPeer

	err := l.db.IteratePrefix(prefixBundlerPeer, func(_, value []byte) error {
		var p BundlerPeer
		if err := codec.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decode bundler peer:\n%w", err)
		}
		peers = append(peers, p)
		return nil
	})

	return peers, err
}
