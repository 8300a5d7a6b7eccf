package reconciler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"Bundler/internal/container"
	"Bundler/internal/jobs"
	"Bundler/internal/logger"
	"Bundler/internal/objectstore"
	"Bundler/internal/taskqueue"
)

const (
	// recoveryTimeout bounds a recovery started from a failure hook.
	recoveryTimeout = 5 * time.Minute

	// statAttempts is the stat budget per member during recovery.
	statAttempts = 3
)

// contentAddress matches an item id inside a free-text failure message.
var contentAddress = regexp.MustCompile(`[A-Za-z0-9_-]{43}`)

// Candidates returns the item ids a failure blames. Typed container errors
// are authoritative; otherwise ids are scraped from the message.
func Candidates(cause error) []string {
	if cause == nil {
		return nil
	}

	if ids := container.FailedIDs(cause); len(ids) > 0 {
		return ids
	}

	return contentAddress.FindAllString(cause.Error(), -1)
}

// Reallocate recovers a bundle whose task failed for good. When the failure
// blames items, every member is checked against object storage and the
// verifiably absent ones are deleted. All other members return to the pool
// and the bundle is deleted, in one transaction.
func (r *Reconciler) Reallocate(ctx context.Context, bundleID uint64, cause error) (released, deleted int, err error) {
	var dangling []string

	if candidates := Candidates(cause); len(candidates) > 0 {
		dangling, err = r.dangling(ctx, bundleID)
		if err != nil {
			return 0, 0, err
		}
	}

	released, deleted, err = r.ledger.Reallocate(bundleID, dangling)
	if err != nil {
		return 0, 0, fmt.Errorf("reallocate bundle %d:\n%w", bundleID, err)
	}

	if released > 0 || deleted > 0 {
		logger.Warn("bundle reallocated",
			"bundle", bundleID,
			"released", released,
			"dangling", deleted,
		)
	}

	return released, deleted, nil
}

// dangling returns the members missing from object storage. Members whose
// presence cannot be established are kept.
func (r *Reconciler) dangling(ctx context.Context, bundleID uint64) ([]string, error) {
	members, err := r.ledger.ItemIDs(bundleID)
	if err != nil {
		return nil, fmt.Errorf("load members:\n%w", err)
	}

	var missing []string

	for _, id := range members {
		_, err := objectstore.StatRetry(ctx, r.objects, id, statAttempts)
		switch {
		case err == nil:
		case errors.Is(err, objectstore.ErrNotFound):
			missing = append(missing, id)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			logger.Warn("item presence unknown, keeping it", "item", id, "error", err)
		}
	}

	return missing, nil
}

// Register installs the recovery hook on q: post and seed tasks that fail
// for good have their bundle reallocated.
func (r *Reconciler) Register(q *taskqueue.Queue) {
	q.OnFailed(func(t *taskqueue.Task, cause error) {
		if t.Kind != jobs.KindPost && t.Kind != jobs.KindSeed {
			return
		}

		bundleID, err := jobs.BundleID(t)
		if err != nil {
			logger.Error("failed task has no bundle", "task", t.ID, "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
		defer cancel()

		if _, _, err := r.Reallocate(ctx, bundleID, cause); err != nil {
			logger.Error("recovery failed", "bundle", bundleID, "task", t.ID, "error", err)
		}
	})
}
