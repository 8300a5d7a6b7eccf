package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Bundler/internal/logger"
	"Bundler/internal/storage"
)

const (
	// claimScanLimit caps how many due tasks a claim compares by priority.
	claimScanLimit = 256

	// failedReasonStalled is recorded when a stalled task has no attempts left.
	failedReasonStalled = "task stalled more than allowable limit"
)

// Handler processes one task. The returned string is stored as the result.
type Handler func(ctx context.Context, t *Task) (string, error)

// Process starts concurrency workers for kind.
func (q *Queue) Process(kind string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.workLoop(kind, h)
	}

	logger.Info("worker pool started", "kind", kind, "concurrency", concurrency)
}

// workLoop claims and runs tasks of one kind until the queue stops.
func (q *Queue) workLoop(kind string, h Handler) {
	defer q.wg.Done()

	notify := q.notifyChan(kind)

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		ran, err := q.RunNext(kind, h)
		if err != nil {
			logger.Warn("task run failed", "kind", kind, "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-q.stop:
			return
		case <-notify:
		case <-time.After(q.poll):
		}
	}
}

// RunNext claims the next due task of kind and runs h on it. Returns false
// when nothing was due.
func (q *Queue) RunNext(kind string, h Handler) (bool, error) {
	t, err := q.claim(kind)
	if err != nil {
		return false, fmt.Errorf("claim %s:\n%w", kind, err)
	}
	if t == nil {
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if t.Options.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, t.Options.Timeout)
		defer timeoutCancel()
	}

	heartbeatDone := make(chan struct{})
	go q.heartbeat(t, cancel, heartbeatDone)

	result, runErr := h(ctx, t)

	close(heartbeatDone)

	if runErr != nil && q.stopping() {
		// Left active; the lease expires and the task is redelivered.
		return true, nil
	}

	if err := q.finish(t, result, runErr); err != nil {
		return true, err
	}

	return true, nil
}

// claim moves the most urgent due task of kind to active.
func (q *Queue) claim(kind string) (*Task, error) {
	var claimed *Task

	err := q.db.Update(func(txn *storage.Txn) error {
		now := q.now()

		var ids []uint64
		err := txn.IterateRange(readyKindPrefix(kind), readyUpper(kind, now), func(key, _ []byte) error {
			if len(ids) >= claimScanLimit {
				return errStopScan
			}
			ids = append(ids, trailingID(key))
			return nil
		})
		if err != nil && !errors.Is(err, errStopScan) {
			return err
		}

		var best *Task
		for _, id := range ids {
			t, err := getTask(txn, id)
			if err != nil {
				return err
			}
			if best == nil || t.Options.Priority < best.Options.Priority {
				best = t
			}
		}

		if best == nil {
			return nil
		}

		if err := txn.Delete(readyKey(best)); err != nil {
			return err
		}

		best.State = StateActive
		best.AttemptsMade++
		best.Token++
		best.LeaseUntil = now.Add(q.lease)

		if err := txn.Set(activeKey(best), nil); err != nil {
			return err
		}

		if err := putTask(txn, best); err != nil {
			return err
		}

		claimed = best

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

var errStopScan = errors.New("stop scan")

// heartbeat renews the lease of t until done closes. A lost lease cancels
// the handler.
func (q *Queue) heartbeat(t *Task, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(q.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-q.stop:
			cancel()
			return
		case <-ticker.C:
			if err := q.renew(t); err != nil {
				logger.Warn("lease renewal failed", "task", t.ID, "kind", t.Kind, "error", err)
				if errors.Is(err, ErrLeaseLost) {
					cancel()
					return
				}
			}
		}
	}
}

// renew extends the lease of an active claim.
func (q *Queue) renew(t *Task) error {
	return q.db.Update(func(txn *storage.Txn) error {
		cur, err := q.ownedTask(txn, t)
		if err != nil {
			return err
		}

		if err := txn.Delete(activeKey(cur)); err != nil {
			return err
		}

		cur.LeaseUntil = q.now().Add(q.lease)

		if err := txn.Set(activeKey(cur), nil); err != nil {
			return err
		}

		return putTask(txn, cur)
	})
}

// finish records the handler outcome and runs the hooks.
func (q *Queue) finish(t *Task, result string, runErr error) error {
	var final *Task

	err := q.db.Update(func(txn *storage.Txn) error {
		cur, err := q.ownedTask(txn, t)
		if err != nil {
			return err
		}

		if err := txn.Delete(activeKey(cur)); err != nil {
			return err
		}

		now := q.now()
		cur.LeaseUntil = time.Time{}

		switch {
		case runErr == nil:
			cur.State = StateCompleted
			cur.Result = result
			cur.FinishedAt = now

		case errors.Is(runErr, ErrUnrecoverable) || cur.AttemptsMade >= cur.Options.Attempts:
			cur.State = StateFailed
			cur.FailedReason = runErr.Error()
			cur.FinishedAt = now

		default:
			cur.FailedReason = runErr.Error()
			cur.State = StateWaiting
			if cur.Options.Backoff > 0 {
				cur.State = StateDelayed
			}
			cur.ReadyAt = now.Add(cur.Options.Backoff)

			if err := txn.Set(readyKey(cur), nil); err != nil {
				return err
			}
		}

		final = cur

		return putTask(txn, cur)
	})
	if err != nil {
		return fmt.Errorf("finish task %d:\n%w", t.ID, err)
	}

	switch final.State {
	case StateCompleted:
		logger.Debug("task completed", "task", final.ID, "kind", final.Kind)
		q.runCompleted(final)

	case StateFailed:
		logger.Warn("task failed", "task", final.ID, "kind", final.Kind,
			"attempts", final.AttemptsMade, "error", runErr)
		q.runFailed(final, runErr)

	default:
		logger.Debug("task retry scheduled", "task", final.ID, "kind", final.Kind,
			"attempt", final.AttemptsMade, "error", runErr)
		q.wake(final.Kind)
	}

	return nil
}

// ownedTask loads t and checks the caller still holds its claim.
func (q *Queue) ownedTask(txn *storage.Txn, t *Task) (*Task, error) {
	cur, err := getTask(txn, t.ID)
	if err != nil {
		return nil, err
	}

	if cur.State != StateActive || cur.Token != t.Token {
		return nil, fmt.Errorf("task %d: %w", t.ID, ErrLeaseLost)
	}

	return cur, nil
}

// sweepLoop periodically redelivers stalled tasks.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if _, err := q.Sweep(); err != nil {
				logger.Warn("stall sweep failed", "error", err)
			}
		}
	}
}

// Sweep redelivers active tasks whose lease expired and fails those with
// no attempts left. Returns how many tasks were touched.
func (q *Queue) Sweep() (int, error) {
	var redelivered, failed []*Task

	err := q.db.Update(func(txn *storage.Txn) error {
		redelivered, failed = nil, nil
		now := q.now()

		var ids []uint64
		err := txn.IterateRange(prefixActive, activeUpper(now), func(key, _ []byte) error {
			ids = append(ids, trailingID(key))
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			t, err := getTask(txn, id)
			if err != nil {
				return err
			}

			if err := txn.Delete(activeKey(t)); err != nil {
				return err
			}

			t.LeaseUntil = time.Time{}

			if t.AttemptsMade >= t.Options.Attempts {
				t.State = StateFailed
				t.FailedReason = failedReasonStalled
				t.FinishedAt = now
				failed = append(failed, t)
			} else {
				t.State = StateWaiting
				t.ReadyAt = now
				if err := txn.Set(readyKey(t), nil); err != nil {
					return err
				}
				redelivered = append(redelivered, t)
			}

			if err := putTask(txn, t); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, t := range redelivered {
		logger.Warn("stalled task redelivered", "task", t.ID, "kind", t.Kind)
		q.wake(t.Kind)
	}

	for _, t := range failed {
		logger.Warn("stalled task failed", "task", t.ID, "kind", t.Kind)
		q.runFailed(t, errors.New(failedReasonStalled))
	}

	return len(redelivered) + len(failed), nil
}

// stopping reports whether Close was called.
func (q *Queue) stopping() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

func (q *Queue) runFailed(t *Task, err error) {
	q.hooksMu.RLock()
	hooks := append([]func(*Task, error){}, q.onFailed...)
	q.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(t, err)
	}
}

func (q *Queue) runCompleted(t *Task) {
	q.hooksMu.RLock()
	hooks := append([]func(*Task){}, q.onCompleted...)
	q.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(t)
	}
}
