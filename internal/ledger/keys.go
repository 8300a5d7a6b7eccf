package ledger

import (
	"encoding/binary"
)

// Key prefixes for storage.
var (
	prefixItem        = []byte("i:") // i:<id> -> DataItem row
	prefixUnbundled   = []byte("u:") // u:<created BE><id> -> empty
	prefixMember      = []byte("m:") // m:<bundle BE><id> -> empty
	prefixBundle      = []byte("b:") // b:<bundle BE> -> Bundle row
	prefixPeer        = []byte("p:") // p:<addr> -> Peer row
	prefixFeeSum      = []byte("f:") // f:<address>/<currency> -> decimal
	prefixBundlerPeer = []byte("g:") // g:<address> -> CBOR BundlerPeer
	keyBundleSeq      = []byte("n:bundle")
)

func itemKey(id string) []byte {
	return append(append([]byte{}, prefixItem...), id...)
}

func unbundledKey(createdNanos int64, id string) []byte {
	key := make([]byte, 0, len(prefixUnbundled)+8+len(id))
	key = append(key, prefixUnbundled...)
	key = binary.BigEndian.AppendUint64(key, uint64(createdNanos))
	return append(key, id...)
}

// unbundledID extracts the item id from an unbundled index key.
func unbundledID(key []byte) string {
	return string(key[len(prefixUnbundled)+8:])
}

func memberPrefix(bundleID uint64) []byte {
	key := make([]byte, 0, len(prefixMember)+8)
	key = append(key, prefixMember...)
	return binary.BigEndian.AppendUint64(key, bundleID)
}

func memberKey(bundleID uint64, id string) []byte {
	return append(memberPrefix(bundleID), id...)
}

// memberID extracts the item id from a membership key.
func memberID(key []byte) string {
	return string(key[len(prefixMember)+8:])
}

func bundleKey(id uint64) []byte {
	key := make([]byte, 0, len(prefixBundle)+8)
	key = append(key, prefixBundle...)
	return binary.BigEndian.AppendUint64(key, id)
}

func peerKey(addr string) []byte {
	return append(append([]byte{}, prefixPeer...), addr...)
}

func feeSumKey(address, currency string) []byte {
	key := append(append([]byte{}, prefixFeeSum...), address...)
	key = append(key, '/')
	return append(key, currency...)
}

func bundlerPeerKey(address string) []byte {
	return append(append([]byte{}, prefixBundlerPeer...), address...)
}
