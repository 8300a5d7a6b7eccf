package codec

import (
	"bytes"
	"testing"
	"time"
)

type sample struct {
	BundleID uint64 `cbor:"bundleId"`
	TxID     string `cbor:"txId,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	a, err := Marshal(map[string]uint64{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	b, err := Marshal(map[string]uint64{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Errorf("map encoding depends on insertion order: %x vs %x", a, b)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"bundleId": uint64(9), "extra": "x"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var s sample
	if err := Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if s.BundleID != 9 {
		t.Errorf("BundleID = %d, want 9", s.BundleID)
	}
}

func TestTimeKeepsNanoseconds(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}

	in := stamped{At: time.Unix(1_700_000_000, 123456789)}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out stamped
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if !out.At.Equal(in.At) {
		t.Errorf("time = %v, want %v", out.At, in.At)
	}
}
