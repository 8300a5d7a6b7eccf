package taskqueue

import (
	"encoding/binary"
	"time"
)

// Key prefixes for storage.
var (
	prefixTask   = []byte("q:") // q:<id BE> -> CBOR Task
	prefixReady  = []byte("r:") // r:<kind>\x00<readyAt BE><id BE> -> empty
	prefixActive = []byte("a:") // a:<leaseUntil BE><id BE> -> empty
	prefixLog    = []byte("l:") // l:<id BE><seq BE> -> line
	keyTaskSeq   = []byte("n:task")
)

func taskKey(id uint64) []byte {
	key := append([]byte{}, prefixTask...)
	return binary.BigEndian.AppendUint64(key, id)
}

func readyKindPrefix(kind string) []byte {
	key := append([]byte{}, prefixReady...)
	key = append(key, kind...)
	return append(key, 0)
}

func readyKey(t *Task) []byte {
	key := readyKindPrefix(t.Kind)
	key = binary.BigEndian.AppendUint64(key, nanos(t.ReadyAt))
	return binary.BigEndian.AppendUint64(key, t.ID)
}

// readyUpper bounds a ready scan to tasks due at or before now.
func readyUpper(kind string, now time.Time) []byte {
	key := readyKindPrefix(kind)
	return binary.BigEndian.AppendUint64(key, nanos(now)+1)
}

// trailingID extracts the task id from a ready or active key.
func trailingID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func activeKey(t *Task) []byte {
	key := append([]byte{}, prefixActive...)
	key = binary.BigEndian.AppendUint64(key, nanos(t.LeaseUntil))
	return binary.BigEndian.AppendUint64(key, t.ID)
}

// activeUpper bounds an active scan to leases expired by now.
func activeUpper(now time.Time) []byte {
	key := append([]byte{}, prefixActive...)
	return binary.BigEndian.AppendUint64(key, nanos(now))
}

func logPrefix(id uint64) []byte {
	key := append([]byte{}, prefixLog...)
	return binary.BigEndian.AppendUint64(key, id)
}

func logKey(id uint64, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(logPrefix(id), seq)
}

// nanos maps a time to a sortable unsigned value.
func nanos(t time.Time) uint64 {
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}
