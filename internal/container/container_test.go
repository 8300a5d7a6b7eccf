package container

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Bundler/internal/objectstore"
)

func testID(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("item-%d", n)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// fixedSizer returns a size derived from the id position and counts calls.
type fixedSizer struct {
	sizes map[string]uint64
	calls int
}

func (f *fixedSizer) Size(_ context.Context, id string) (uint64, error) {
	f.calls++
	size, ok := f.sizes[id]
	if !ok {
		return 0, ErrItemNotFound
	}
	return size, nil
}

func newSizer(ids []string) *fixedSizer {
	f := &fixedSizer{sizes: make(map[string]uint64)}
	for i, id := range ids {
		f.sizes[id] = uint64(100 + i)
	}
	return f
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 17} {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = testID(i)
		}

		header, err := Encode(context.Background(), ids, newSizer(ids))
		if err != nil {
			t.Fatalf("Encode(%d) failed: %v", n, err)
		}

		if int64(len(header)) != HeaderSize(n) {
			t.Fatalf("header length = %d, want %d", len(header), HeaderSize(n))
		}

		got, err := Decode(header)
		if err != nil {
			t.Fatalf("Decode(%d) failed: %v", n, err)
		}

		if len(got) != n {
			t.Fatalf("decoded %d ids, want %d", len(got), n)
		}
		for i := range ids {
			if got[i] != ids[i] {
				t.Errorf("id %d = %s, want %s", i, got[i], ids[i])
			}
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	ids := []string{testID(0), testID(1)}

	header, err := Encode(context.Background(), ids, newSizer(ids))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if header[0] != 2 || !zero(header[1:32]) {
		t.Errorf("count field = %x", header[:32])
	}

	if header[32] != 100 || header[96] != 101 {
		t.Errorf("size fields = %d, %d", header[32], header[96])
	}

	raw, _ := DecodeID(ids[1])
	if !bytes.Equal(header[64+64:64+64+32], raw) {
		t.Errorf("id of entry 1 is not at offset 128")
	}

	entries, err := DecodeEntries(header)
	if err != nil {
		t.Fatalf("DecodeEntries failed: %v", err)
	}
	if entries[1].Size != 101 {
		t.Errorf("entry 1 size = %d, want 101", entries[1].Size)
	}
}

func TestEncodeRejectsInvalidIDFirst(t *testing.T) {
	short := base64.RawURLEncoding.EncodeToString(make([]byte, 31))
	long := base64.RawURLEncoding.EncodeToString(make([]byte, 33))
	// The final character of a 32-byte id carries two unused bits; the
	// canonical zero id ends in "A", so "B" sets one of them.
	loose := strings.Repeat("A", 42) + "B"

	for _, bad := range []string{short, long, "not base64!", loose} {
		ids := []string{testID(0), bad}
		sizer := newSizer(ids)

		header, err := Encode(context.Background(), ids, sizer)
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("Encode(%q): expected ErrInvalidID, got %v", bad, err)
		}
		if header != nil {
			t.Errorf("Encode(%q) produced bytes", bad)
		}
		if sizer.calls != 0 {
			t.Errorf("Encode(%q) looked up %d sizes before rejecting", bad, sizer.calls)
		}
	}
}

func TestEncodeListsDanglingItems(t *testing.T) {
	ids := []string{testID(0), testID(1), testID(2)}
	sizer := newSizer(ids)
	delete(sizer.sizes, ids[0])
	delete(sizer.sizes, ids[2])

	_, err := Encode(context.Background(), ids, sizer)

	var dangling *DanglingError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingError, got %v", err)
	}

	if got := FailedIDs(err); len(got) != 2 || got[0] != ids[0] || got[1] != ids[2] {
		t.Errorf("FailedIDs = %v", got)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	ids := []string{testID(0), testID(1)}

	header, err := Encode(context.Background(), ids, newSizer(ids))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := Decode(header[:len(header)-1]); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

// newTestBuilder creates a builder over a local store holding bodies for ids.
func newTestBuilder(t *testing.T, ids []string) (*Builder, *objectstore.Local) {
	t.Helper()

	store, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	for _, id := range ids {
		body := []byte("body-" + id)
		if err := store.Put(context.Background(), id, bytes.NewReader(body), int64(len(body)), nil); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	b, err := NewBuilder(t.TempDir(), store)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	return b, store
}

func TestBuildHeaderFileAndOpen(t *testing.T) {
	ids := []string{testID(0), testID(1), testID(2)}
	b, _ := newTestBuilder(t, ids)
	ctx := context.Background()

	path, err := b.BuildHeaderFile(ctx, 5, ids)
	if err != nil {
		t.Fatalf("BuildHeaderFile failed: %v", err)
	}

	if filepath.Base(path) != "bundle_header_5" {
		t.Errorf("header path = %s", path)
	}

	data, err := b.ReadContainer(ctx, path, ids)
	if err != nil {
		t.Fatalf("ReadContainer failed: %v", err)
	}

	header := data[:HeaderSize(len(ids))]
	got, err := Decode(header)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got[2] != ids[2] {
		t.Errorf("decoded %v", got)
	}

	want := string(header)
	for _, id := range ids {
		want += "body-" + id
	}
	if string(data) != want {
		t.Errorf("container body mismatch")
	}

	if err := b.Cleanup(ids); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(b.itemPath(ids[0])); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("item body still present after cleanup")
	}
}

func TestBuildHeaderFileRebuildsMalformed(t *testing.T) {
	ids := []string{testID(0), testID(1)}
	b, _ := newTestBuilder(t, ids)

	// A stale header for other items sits at the path.
	stale := []string{testID(8), testID(9)}
	header, err := Encode(context.Background(), stale, newSizer(stale))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := os.WriteFile(b.HeaderPath(1), header, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	path, err := b.BuildHeaderFile(context.Background(), 1, ids)
	if err != nil {
		t.Fatalf("BuildHeaderFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("rebuilt header = %v, %v", got, err)
	}
}

func TestOpenReportsMissingItem(t *testing.T) {
	ids := []string{testID(0), testID(1)}
	b, _ := newTestBuilder(t, ids[:1])

	header, _ := Encode(context.Background(), ids, newSizer(ids))
	path := b.HeaderPath(2)
	os.WriteFile(path, header, 0o644)

	_, err := b.Open(context.Background(), path, ids)

	var missing *MissingItemError
	if !errors.As(err, &missing) || missing.ID != ids[1] {
		t.Fatalf("expected MissingItemError for %s, got %v", ids[1], err)
	}
}

func TestSweepHeaders(t *testing.T) {
	b, _ := newTestBuilder(t, nil)

	oldPath := b.HeaderPath(1)
	newPath := b.HeaderPath(2)
	os.WriteFile(oldPath, []byte("x"), 0o644)
	os.WriteFile(newPath, []byte("x"), 0o644)

	past := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	removed, err := b.SweepHeaders(HeaderMaxAge)
	if err != nil {
		t.Fatalf("SweepHeaders failed: %v", err)
	}

	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("fresh header removed: %v", err)
	}
}

func TestFileSequenceReadsInOrder(t *testing.T) {
	dir := t.TempDir()

	var paths []string
	for i, s := range []string{"a", "", "bc"} {
		p := filepath.Join(dir, fmt.Sprint(i))
		os.WriteFile(p, []byte(s), 0o644)
		paths = append(paths, p)
	}

	seq := &fileSequence{paths: paths}
	defer seq.Close()

	got, err := io.ReadAll(seq)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if string(got) != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}
