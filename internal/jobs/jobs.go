// Package jobs names the bundle task kinds and their delivery options.
package jobs

import (
	"time"

	"Bundler/internal/taskqueue"
)

// Task kinds.
const (
	KindPost   = "post"
	KindSeed   = "seed"
	KindReseed = "reseed"
	KindVerify = "verify"
)

// Bundle is the payload of every bundle task.
type Bundle struct {
	BundleID uint64 `cbor:"bundle_id"`
}

// Post is enqueued for every new or stale unposted bundle.
var Post = taskqueue.Options{
	Attempts: 3,
	Backoff:  time.Minute,
	Priority: 2,
	Timeout:  20 * time.Minute,
}

// Seed follows a successful post.
var Seed = taskqueue.Options{
	Delay:    15 * time.Second,
	Attempts: 3,
	Backoff:  5 * time.Minute,
	Priority: 1,
	Timeout:  20 * time.Minute,
}

// Reseed is enqueued when a posted bundle lags without a peer quorum.
var Reseed = taskqueue.Options{
	Attempts: 3,
	Backoff:  5 * time.Minute,
	Priority: 1,
	Timeout:  20 * time.Minute,
}

// Verify rechecks a seeded bundle until it settles.
var Verify = taskqueue.Options{
	Delay:    time.Hour,
	Attempts: 10,
	Backoff:  30 * time.Minute,
	Timeout:  30 * time.Minute,
}

// Enqueue submits a bundle task of kind.
func Enqueue(q *taskqueue.Queue, kind string, bundleID uint64, opts taskqueue.Options) (uint64, error) {
	return q.Enqueue(kind, Bundle{BundleID: bundleID}, opts)
}

// BundleID decodes the bundle id carried by t.
func BundleID(t *taskqueue.Task) (uint64, error) {
	var p Bundle
	if err := t.Decode(&p); err != nil {
		return 0, err
	}
	return p.BundleID, nil
}
