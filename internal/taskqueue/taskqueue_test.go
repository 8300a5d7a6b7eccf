package taskqueue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Bundler/internal/storage"
)

type payload struct {
	BundleID uint64 `cbor:"bundleId"`
}

// newTestQueue creates a queue over a temporary store with a fixed clock.
func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()

	dir, err := os.MkdirTemp("", "taskqueue-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	q := New(db, Config{})

	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	t.Cleanup(func() {
		q.Close()
		db.Close()
		os.RemoveAll(dir)
	})

	return q, &now
}

func TestEnqueueRunComplete(t *testing.T) {
	q, _ := newTestQueue(t)

	var completed []uint64
	q.OnCompleted(func(task *Task) { completed = append(completed, task.ID) })

	id, err := q.Enqueue("post", payload{BundleID: 7}, Options{Attempts: 3})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ran, err := q.RunNext("post", func(_ context.Context, task *Task) (string, error) {
		var p payload
		if err := task.Decode(&p); err != nil {
			return "", err
		}
		if p.BundleID != 7 {
			t.Errorf("payload bundle = %d, want 7", p.BundleID)
		}
		return "done", nil
	})
	if err != nil || !ran {
		t.Fatalf("RunNext = %v, %v", ran, err)
	}

	task, err := q.Task(id)
	if err != nil {
		t.Fatalf("Task failed: %v", err)
	}

	if task.State != StateCompleted || task.Result != "done" {
		t.Errorf("task = %v/%q, want completed/done", task.State, task.Result)
	}

	if len(completed) != 1 || completed[0] != id {
		t.Errorf("completed hooks = %v", completed)
	}
}

func TestDelayRespected(t *testing.T) {
	q, now := newTestQueue(t)

	id, err := q.Enqueue("seed", payload{}, Options{Delay: 15 * time.Second})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	state, err := q.State(id)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state != StateDelayed {
		t.Errorf("state = %v, want delayed", state)
	}

	noop := func(context.Context, *Task) (string, error) { return "", nil }

	if ran, _ := q.RunNext("seed", noop); ran {
		t.Fatal("delayed task ran early")
	}

	*now = now.Add(16 * time.Second)

	if ran, err := q.RunNext("seed", noop); !ran || err != nil {
		t.Fatalf("RunNext after delay = %v, %v", ran, err)
	}
}

func TestRetryThenFail(t *testing.T) {
	q, now := newTestQueue(t)

	var failures []error
	q.OnFailed(func(_ *Task, err error) { failures = append(failures, err) })

	id, err := q.Enqueue("post", payload{}, Options{Attempts: 3, Backoff: time.Minute})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	boom := func(context.Context, *Task) (string, error) { return "", errors.New("boom") }

	for attempt := 1; attempt <= 3; attempt++ {
		ran, err := q.RunNext("post", boom)
		if err != nil || !ran {
			t.Fatalf("attempt %d: RunNext = %v, %v", attempt, ran, err)
		}

		if ran, _ := q.RunNext("post", boom); ran {
			t.Fatalf("attempt %d: retry ran before backoff", attempt)
		}

		*now = now.Add(time.Minute)
	}

	task, err := q.Task(id)
	if err != nil {
		t.Fatalf("Task failed: %v", err)
	}

	if task.State != StateFailed || task.AttemptsMade != 3 {
		t.Errorf("task = %v after %d attempts", task.State, task.AttemptsMade)
	}

	if len(failures) != 1 {
		t.Errorf("failed hook ran %d times, want 1", len(failures))
	}
}

func TestUnrecoverableFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t)

	id, err := q.Enqueue("post", payload{}, Options{Attempts: 5})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	_, err = q.RunNext("post", func(context.Context, *Task) (string, error) {
		return "", Unrecoverable(errors.New("Empty bundle"))
	})
	if err != nil {
		t.Fatalf("RunNext failed: %v", err)
	}

	task, err := q.Task(id)
	if err != nil {
		t.Fatalf("Task failed: %v", err)
	}

	if task.State != StateFailed || !strings.Contains(task.FailedReason, "Empty bundle") {
		t.Errorf("task = %v %q", task.State, task.FailedReason)
	}
}

func TestPriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	low, _ := q.Enqueue("work", payload{BundleID: 1}, Options{Priority: 2})
	high, _ := q.Enqueue("work", payload{BundleID: 2}, Options{Priority: 1})

	var order []uint64
	record := func(_ context.Context, task *Task) (string, error) {
		order = append(order, task.ID)
		return "", nil
	}

	q.RunNext("work", record)
	q.RunNext("work", record)

	if len(order) != 2 || order[0] != high || order[1] != low {
		t.Errorf("order = %v, want [%d %d]", order, high, low)
	}
}

func TestStalledTaskRedelivered(t *testing.T) {
	q, now := newTestQueue(t)

	id, err := q.Enqueue("verify", payload{}, Options{Attempts: 3})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A worker claims the task and dies.
	abandoned, err := q.claim("verify")
	if err != nil || abandoned == nil {
		t.Fatalf("claim = %v, %v", abandoned, err)
	}

	*now = now.Add(defaultLease + time.Second)

	n, err := q.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d tasks, want 1", n)
	}

	ran, err := q.RunNext("verify", func(context.Context, *Task) (string, error) { return "ok", nil })
	if err != nil || !ran {
		t.Fatalf("RunNext = %v, %v", ran, err)
	}

	// The dead worker's late result is rejected.
	if err := q.finish(abandoned, "", nil); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost, got %v", err)
	}

	state, _ := q.State(id)
	if state != StateCompleted {
		t.Errorf("state = %v, want completed", state)
	}
}

func TestLogs(t *testing.T) {
	q, _ := newTestQueue(t)

	id, _ := q.Enqueue("post", payload{}, Options{})

	q.Log(id, "built container")
	q.Log(id, "posted")

	lines, err := q.Logs(id)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}

	if len(lines) != 2 || !strings.HasSuffix(lines[0], "built container") || !strings.HasSuffix(lines[1], "posted") {
		t.Errorf("unexpected logs %q", lines)
	}
}

func TestProcessRunsConcurrently(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer db.Close()

	q := New(db, Config{PollInterval: 10 * time.Millisecond})

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		done = make(chan struct{})
	)

	q.Process("post", 3, func(_ context.Context, task *Task) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		seen[task.ID] = true
		if len(seen) == 5 {
			close(done)
		}
		return "", nil
	})

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue("post", payload{BundleID: uint64(i)}, Options{}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not drain the queue")
	}

	q.Close()

	if _, err := q.Enqueue("post", payload{}, Options{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestRemoveFinished(t *testing.T) {
	q, now := newTestQueue(t)

	done, _ := q.Enqueue("post", payload{BundleID: 1}, Options{})
	waiting, _ := q.Enqueue("post", payload{BundleID: 2}, Options{Delay: time.Hour})

	q.RunNext("post", func(_ context.Context, task *Task) (string, error) {
		q.Log(task.ID, "working")
		return "ok", nil
	})

	*now = now.Add(2 * time.Hour)

	removed, err := q.RemoveFinished(now.Add(-time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("RemoveFinished = %d, %v", removed, err)
	}

	if _, err := q.Task(done); !errors.Is(err, ErrNotFound) {
		t.Errorf("finished task still present: %v", err)
	}
	if logs, _ := q.Logs(done); len(logs) != 0 {
		t.Errorf("logs survived: %v", logs)
	}
	if _, err := q.Task(waiting); err != nil {
		t.Errorf("live task removed: %v", err)
	}
}
