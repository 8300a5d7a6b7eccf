package batcher

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"Bundler/internal/jobs"
	"Bundler/internal/ledger"
	"Bundler/internal/storage"
	"Bundler/internal/taskqueue"
)

type testEnv struct {
	ledger  *ledger.Ledger
	queue   *taskqueue.Queue
	batcher *Batcher
	busy    *Busy
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	q := taskqueue.New(db, taskqueue.Config{})
	t.Cleanup(func() {
		q.Close()
		db.Close()
	})

	l := ledger.New(db)
	busy := &Busy{}

	return &testEnv{ledger: l, queue: q, batcher: New(l, q, busy, cfg), busy: busy}
}

func testID(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("item-%d", n)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (e *testEnv) insert(t *testing.T, count int, size uint64) {
	t.Helper()

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < count; i++ {
		err := e.ledger.InsertItem(ledger.DataItem{
			ID:        testID(i),
			Address:   "owner",
			Size:      size,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertItem failed: %v", err)
		}
	}
}

func TestBundleItems150(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.insert(t, 150, 1000)
	ctx := context.Background()

	n, err := e.batcher.BundleItemsOnce(ctx)
	if err != nil {
		t.Fatalf("BundleItemsOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("scheduled %d bundles, want 1", n)
	}

	bundles, err := e.ledger.Bundles()
	if err != nil || len(bundles) != 1 {
		t.Fatalf("bundles = %d, %v", len(bundles), err)
	}

	members, _ := e.ledger.CountItems(bundles[0].ID)
	if members != 150 {
		t.Errorf("bundle has %d members, want 150", members)
	}

	task, err := e.queue.Task(bundles[0].JobID)
	if err != nil {
		t.Fatalf("post task missing: %v", err)
	}
	if task.Kind != jobs.KindPost || task.Options.Attempts != 3 || task.Options.Priority != 2 {
		t.Errorf("unexpected task %+v", task)
	}

	n, err = e.batcher.BundleItemsOnce(ctx)
	if err != nil || n != 0 {
		t.Errorf("second pass scheduled %d, %v", n, err)
	}

	if e.busy.Active() {
		t.Error("busy flag still raised")
	}
}

func TestBundleItemsBelowMinimum(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.insert(t, 100, 10)

	n, err := e.batcher.BundleItemsOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("scheduled %d, %v", n, err)
	}

	waiting, _ := e.ledger.CountUnbundled()
	if waiting != 100 {
		t.Errorf("unbundled = %d, want 100", waiting)
	}
}

func TestBundleItemsSplitsBySize(t *testing.T) {
	e := newTestEnv(t, Config{MinBundleLength: 1, MaxBundleBytes: 1000})
	e.insert(t, 10, 300)

	n, err := e.batcher.BundleItemsOnce(context.Background())
	if err != nil {
		t.Fatalf("BundleItemsOnce failed: %v", err)
	}

	// 3+3+3 leave one item, which is not above the minimum.
	if n != 3 {
		t.Errorf("scheduled %d bundles, want 3", n)
	}

	waiting, _ := e.ledger.CountUnbundled()
	if waiting != 1 {
		t.Errorf("unbundled = %d, want 1", waiting)
	}
}

func TestBundleItemsOversizedHead(t *testing.T) {
	e := newTestEnv(t, Config{MinBundleLength: 1, MaxBundleBytes: 100})
	e.insert(t, 3, 500)

	n, err := e.batcher.BundleItemsOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("scheduled %d, %v", n, err)
	}
}

func TestBundleItemsCancelled(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.insert(t, 150, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.batcher.BundleItemsOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBundleOldItems(t *testing.T) {
	e := newTestEnv(t, Config{MinBundleLength: 1, MaxBundleBytes: 200})
	e.insert(t, 6, 100)

	if _, err := e.batcher.BundleItemsOnce(context.Background()); err != nil {
		t.Fatalf("BundleItemsOnce failed: %v", err)
	}

	bundles, _ := e.ledger.Bundles()
	if len(bundles) != 3 {
		t.Fatalf("bundles = %d, want 3", len(bundles))
	}

	// Bundle 1's task fails, bundle 2 keeps a waiting task, bundle 3 loses its task.
	_, err := e.queue.RunNext(jobs.KindPost, func(ctx context.Context, task *taskqueue.Task) (string, error) {
		return "", taskqueue.Unrecoverable(errors.New("boom"))
	})
	if err != nil {
		t.Fatalf("RunNext failed: %v", err)
	}
	if err := e.ledger.SetJob(bundles[2].ID, 9999); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}

	failed := 0
	for _, b := range bundles {
		if s, _ := e.queue.State(b.JobID); s == taskqueue.StateFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed tasks = %d, want 1", failed)
	}

	// Nothing is old yet.
	n, err := e.batcher.BundleOldItemsOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("fresh sweep requeued %d, %v", n, err)
	}

	e.batcher.now = func() time.Time { return time.Now().Add(13 * time.Hour) }

	n, err = e.batcher.BundleOldItemsOnce(context.Background())
	if err != nil {
		t.Fatalf("BundleOldItemsOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("requeued %d bundles, want 2", n)
	}

	requeued := 0
	for _, b := range bundles {
		got, _ := e.ledger.Bundle(b.ID)
		if got.Requeued == 1 {
			requeued++
			if s, _ := e.queue.State(got.JobID); s != taskqueue.StateWaiting {
				t.Errorf("bundle %d job state = %s", got.ID, s)
			}
		}
	}
	if requeued != 2 {
		t.Errorf("bundles with requeue count = %d, want 2", requeued)
	}

	// A second sweep sees live tasks everywhere.
	n, _ = e.batcher.BundleOldItemsOnce(context.Background())
	if n != 0 {
		t.Errorf("second sweep requeued %d", n)
	}
}

func TestBusyWait(t *testing.T) {
	var b Busy
	b.Enter()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while busy, got %v", err)
	}

	b.Leave()
	if err := b.Wait(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Wait after Leave failed: %v", err)
	}
}
