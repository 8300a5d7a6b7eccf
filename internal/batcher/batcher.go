// Package batcher groups unbundled items into bundles and schedules their
// posting.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"Bundler/internal/jobs"
	"Bundler/internal/ledger"
	"Bundler/internal/logger"
	"Bundler/internal/taskqueue"
)

const (
	// DefaultMinBundleLength is the unbundled count that triggers bundling.
	DefaultMinBundleLength = 100

	defaultItemsInterval = 2 * time.Minute
	defaultOldInterval   = 5 * time.Minute
	defaultOldAge        = 12 * time.Hour
)

// Busy is the bundler-busy flag shared with the shutdown coordinator.
// It is raised while a batching pass is mutating the ledger.
type Busy struct {
	n atomic.Int32
}

// Enter raises the flag.
func (b *Busy) Enter() { b.n.Add(1) }

// Leave lowers the flag raised by a matching Enter.
func (b *Busy) Leave() { b.n.Add(-1) }

// Active reports whether any batching pass is running.
func (b *Busy) Active() bool { return b.n.Load() > 0 }

// Wait blocks until the flag clears or ctx is done.
func (b *Busy) Wait(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for b.Active() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

// Config tunes the batching loops.
type Config struct {
	MinBundleLength int           // MinBundleLength: bundle only while more items are waiting
	MaxBundleBytes  uint64        // MaxBundleBytes caps the summed size of one bundle
	ItemsInterval   time.Duration // ItemsInterval is the pause between bundling passes
	OldInterval     time.Duration // OldInterval is the pause between stale bundle sweeps
	OldAge          time.Duration // OldAge is when an unposted bundle counts as stale
}

// Batcher runs the bundling and stale bundle loops.
type Batcher struct {
	ledger *ledger.Ledger
	queue  *taskqueue.Queue
	busy   *Busy
	cfg    Config
	now    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Batcher. Zero config fields take their defaults.
func New(l *ledger.Ledger, q *taskqueue.Queue, busy *Busy, cfg Config) *Batcher {
	if cfg.MinBundleLength <= 0 {
		cfg.MinBundleLength = DefaultMinBundleLength
	}
	if cfg.MaxBundleBytes == 0 {
		cfg.MaxBundleBytes = ledger.MaxBundleBytes
	}
	if cfg.ItemsInterval <= 0 {
		cfg.ItemsInterval = defaultItemsInterval
	}
	if cfg.OldInterval <= 0 {
		cfg.OldInterval = defaultOldInterval
	}
	if cfg.OldAge <= 0 {
		cfg.OldAge = defaultOldAge
	}

	return &Batcher{
		ledger: l,
		queue:  q,
		busy:   busy,
		cfg:    cfg,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Start launches both loops. Each runs a pass immediately.
func (b *Batcher) Start() {
	b.wg.Add(2)
	go b.loop("bundle items", b.cfg.ItemsInterval, b.BundleItemsOnce)
	go b.loop("bundle old items", b.cfg.OldInterval, b.BundleOldItemsOnce)
}

// Stop ends the loops and waits for a running pass to finish.
func (b *Batcher) Stop() {
	close(b.stop)
	b.wg.Wait()
}

func (b *Batcher) loop(name string, interval time.Duration, pass func(ctx context.Context) (int, error)) {
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-timer.C:
		}

		n, err := pass(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(name+" failed", "error", err)
		} else if n > 0 {
			logger.Info(name+" done", "bundles", n)
		}

		timer.Reset(interval)
	}
}

// SelectAndCreateBundle creates one bundle from the oldest unbundled items.
// created is false when no item could be selected.
func (b *Batcher) SelectAndCreateBundle(_ context.Context) (uint64, bool, error) {
	batch, err := b.ledger.CreateBatch(b.cfg.MaxBundleBytes)
	if err != nil {
		return 0, false, fmt.Errorf("create bundle:\n%w", err)
	}

	if batch.BundleID == 0 {
		return 0, false, nil
	}

	logger.Info("bundle created", "bundle", batch.BundleID, "items", batch.Items, "bytes", batch.Bytes)

	return batch.BundleID, true, nil
}

// BundleItemsOnce creates bundles while more than MinBundleLength items are
// waiting and enqueues a post task for each. It returns the number of
// bundles scheduled.
func (b *Batcher) BundleItemsOnce(ctx context.Context) (int, error) {
	b.busy.Enter()
	defer b.busy.Leave()

	scheduled := 0

	for {
		if err := ctx.Err(); err != nil {
			return scheduled, err
		}

		waiting, err := b.ledger.CountUnbundled()
		if err != nil {
			return scheduled, fmt.Errorf("count unbundled:\n%w", err)
		}

		if waiting <= b.cfg.MinBundleLength {
			return scheduled, nil
		}

		id, created, err := b.SelectAndCreateBundle(ctx)
		if err != nil {
			return scheduled, err
		}

		// The oldest item alone exceeds the cap.
		if !created {
			logger.Warn("no item fits in a bundle", "waiting", waiting)
			return scheduled, nil
		}

		members, err := b.ledger.CountItems(id)
		if err != nil {
			return scheduled, fmt.Errorf("count members:\n%w", err)
		}

		if members == 0 {
			if err := b.ledger.DeleteBundle(id); err != nil {
				return scheduled, fmt.Errorf("delete empty bundle:\n%w", err)
			}
			continue
		}

		if err := b.schedule(id, false); err != nil {
			return scheduled, err
		}
		scheduled++
	}
}

// BundleOldItemsOnce revisits unposted bundles older than OldAge: empty ones
// are deleted, ones whose post task failed or vanished are re-enqueued.
func (b *Batcher) BundleOldItemsOnce(ctx context.Context) (int, error) {
	b.busy.Enter()
	defer b.busy.Leave()

	stale, err := b.ledger.StaleBundles(b.now().Add(-b.cfg.OldAge))
	if err != nil {
		return 0, fmt.Errorf("list stale bundles:\n%w", err)
	}

	requeued := 0

	for _, bundle := range stale {
		if err := ctx.Err(); err != nil {
			return requeued, err
		}

		members, err := b.ledger.CountItems(bundle.ID)
		if err != nil {
			return requeued, fmt.Errorf("count members of %d:\n%w", bundle.ID, err)
		}

		if members == 0 {
			if err := b.ledger.DeleteBundle(bundle.ID); err != nil && !errors.Is(err, ledger.ErrBundleNotEmpty) {
				return requeued, fmt.Errorf("delete empty bundle %d:\n%w", bundle.ID, err)
			}
			logger.Info("stale empty bundle deleted", "bundle", bundle.ID)
			continue
		}

		if b.jobAlive(bundle.JobID) {
			continue
		}

		if err := b.schedule(bundle.ID, true); err != nil {
			return requeued, err
		}
		requeued++
	}

	return requeued, nil
}

// jobAlive reports whether the bundle's task exists and has not failed.
func (b *Batcher) jobAlive(jobID uint64) bool {
	if jobID == 0 {
		return false
	}

	state, err := b.queue.State(jobID)
	if err != nil {
		if !errors.Is(err, taskqueue.ErrNotFound) {
			logger.Warn("task state unavailable", "task", jobID, "error", err)
		}
		return false
	}

	return state != taskqueue.StateFailed
}

// schedule enqueues a post task and records it on the bundle.
func (b *Batcher) schedule(bundleID uint64, requeue bool) error {
	jobID, err := jobs.Enqueue(b.queue, jobs.KindPost, bundleID, jobs.Post)
	if err != nil {
		return fmt.Errorf("enqueue post for %d:\n%w", bundleID, err)
	}

	if requeue {
		err = b.ledger.Requeue(bundleID, jobID)
	} else {
		err = b.ledger.SetJob(bundleID, jobID)
	}
	if err != nil {
		return fmt.Errorf("record job of %d:\n%w", bundleID, err)
	}

	logger.Info("post scheduled", "bundle", bundleID, "task", jobID, "requeue", requeue)

	return nil
}
