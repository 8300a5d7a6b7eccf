// Package reconciler settles posted bundles: it decides from chain status
// and peer replicas whether a bundle is seeded, pending or dropped, and
// recovers bundles whose tasks failed for good.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"Bundler/internal/chain"
	"Bundler/internal/jobs"
	"Bundler/internal/kvcache"
	"Bundler/internal/ledger"
	"Bundler/internal/logger"
	"Bundler/internal/objectstore"
	"Bundler/internal/taskqueue"
	"Bundler/internal/trust"
)

// State is the seeding status of a posted bundle.
type State int

const (
	Pending State = iota
	Dropped
	Seeded
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Dropped:
		return "DROPPED"
	case Seeded:
		return "SEEDED"
	default:
		return "UNKNOWN"
	}
}

// ErrPending is returned by the verify handler so the task is retried.
var ErrPending = errors.New("bundle still pending")

const (
	// relaxFactor divides the reward multiplier after each seeded bundle.
	relaxFactor = 1.05

	// peerQueryTimeout bounds one peer's offset and sync record lookups.
	peerQueryTimeout = 15 * time.Second
)

// Config holds the settlement thresholds.
type Config struct {
	ConfirmationThreshold uint64  // ConfirmationThreshold is the confirmations needed before a quorum check
	SeedingThreshold      int     // SeedingThreshold is the number of peers forming a quorum
	DropGap               uint64  // DropGap: blocks since posting after which a bundle without quorum is dropped
	ReseedGap             uint64  // ReseedGap: blocks since posting after which a reseed is scheduled
	MinRewardMultiplier   float64 // MinRewardMultiplier is the floor when relaxing the multiplier
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ConfirmationThreshold: 15,
		SeedingThreshold:      3,
		DropGap:               400,
		ReseedGap:             50,
		MinRewardMultiplier:   1,
	}
}

// Reconciler evaluates bundle status and applies its outcome.
type Reconciler struct {
	ledger  *ledger.Ledger
	queue   *taskqueue.Queue
	cache   *kvcache.Cache
	chain   chain.Client
	peers   chain.PeerClient
	trust   *trust.Store
	objects objectstore.Store
	cfg     Config
	now     func() time.Time
}

// New creates a Reconciler.
func New(
	l *ledger.Ledger,
	q *taskqueue.Queue,
	c *kvcache.Cache,
	client chain.Client,
	peers chain.PeerClient,
	ts *trust.Store,
	objects objectstore.Store,
	cfg Config,
) *Reconciler {
	def := DefaultConfig()
	if cfg.ConfirmationThreshold == 0 {
		cfg.ConfirmationThreshold = def.ConfirmationThreshold
	}
	if cfg.SeedingThreshold <= 0 {
		cfg.SeedingThreshold = def.SeedingThreshold
	}
	if cfg.DropGap == 0 {
		cfg.DropGap = def.DropGap
	}
	if cfg.ReseedGap == 0 {
		cfg.ReseedGap = def.ReseedGap
	}
	if cfg.MinRewardMultiplier <= 0 {
		cfg.MinRewardMultiplier = def.MinRewardMultiplier
	}

	return &Reconciler{
		ledger:  l,
		queue:   q,
		cache:   c,
		chain:   client,
		peers:   peers,
		trust:   ts,
		objects: objects,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Status decides the state of a posted bundle. A bundle lagging without
// quorum gets a reseed task as a side effect.
func (r *Reconciler) Status(ctx context.Context, b *ledger.Bundle) (State, error) {
	status, err := r.chain.Status(ctx, b.TxID)
	if err != nil {
		return Pending, fmt.Errorf("get status of %s:\n%w", b.TxID, err)
	}

	switch {
	case status.Code >= 300 && status.Code < 400:
		return Pending, nil
	case status.Code == http.StatusNotFound:
		return Dropped, nil
	case status.Code == http.StatusAccepted:
		return Pending, nil
	case status.Code != http.StatusOK:
		return Dropped, nil
	}

	if status.Confirmations < r.cfg.ConfirmationThreshold {
		return Pending, nil
	}

	if r.Quorum(ctx, b.TxID, r.cfg.SeedingThreshold) {
		return Seeded, nil
	}

	height, err := r.chain.CurrentBlockHeight(ctx)
	if err != nil {
		return Pending, fmt.Errorf("read block height:\n%w", err)
	}

	var gap uint64
	if height > b.BlockPosted {
		gap = height - b.BlockPosted
	}

	switch {
	case gap > r.cfg.DropGap:
		return Dropped, nil
	case gap > r.cfg.ReseedGap:
		jobID, err := jobs.Enqueue(r.queue, jobs.KindReseed, b.ID, jobs.Reseed)
		if err != nil {
			return Pending, fmt.Errorf("enqueue reseed:\n%w", err)
		}
		logger.Info("reseed scheduled", "bundle", b.ID, "gap", gap, "task", jobID)
	}

	return Pending, nil
}

// Quorum reports whether n distinct peers hold the transaction's data.
// Peers are queried concurrently; the check returns at the n-th success and
// cancels the rest. Every counted peer is praised.
func (r *Reconciler) Quorum(ctx context.Context, txID string, n int) bool {
	ranked, err := r.trust.Ranked(ctx)
	if err != nil {
		logger.Warn("rank peers failed", "error", err)
		return false
	}

	seen := make(map[string]bool, len(ranked))
	var candidates []string
	for _, p := range ranked {
		if ledger.IsLoopback(p.Address) || seen[p.Address] {
			continue
		}
		seen[p.Address] = true
		candidates = append(candidates, p.Address)
	}

	if len(candidates) < n {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		peer string
		ok   bool
	}

	answers := make(chan answer, len(candidates))

	for _, peer := range candidates {
		go func() {
			answers <- answer{peer: peer, ok: r.holds(ctx, peer, txID)}
		}()
	}

	successes := 0

	for range candidates {
		a := <-answers
		if !a.ok {
			continue
		}

		successes++
		r.trust.Praise(ctx, a.peer)
		r.stampSeeded()

		if successes >= n {
			return true
		}
	}

	return false
}

// holds reports whether peer's sync record covers the transaction's data.
func (r *Reconciler) holds(ctx context.Context, peer, txID string) bool {
	ctx, cancel := context.WithTimeout(ctx, peerQueryTimeout)
	defer cancel()

	off, err := r.peers.Offset(ctx, peer, txID)
	if err != nil || off.Size > off.Offset {
		return false
	}

	rng, err := r.peers.SyncRecord(ctx, peer, off.Offset-off.Size)
	if err != nil {
		return false
	}

	return rng.Covers(off)
}

func (r *Reconciler) stampSeeded() {
	stamp := r.now().UTC().Format(time.RFC3339)
	if err := r.cache.Set(kvcache.KeyLastSeeded, []byte(stamp), 0); err != nil {
		logger.Debug("stamp last seeded failed", "error", err)
	}
}

// HandleVerify is the verify task handler.
func (r *Reconciler) HandleVerify(ctx context.Context, t *taskqueue.Task) (string, error) {
	bundleID, err := jobs.BundleID(t)
	if err != nil {
		return "", taskqueue.Unrecoverable(err)
	}

	b, err := r.ledger.Bundle(bundleID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "bundle gone", nil
	}
	if err != nil {
		return "", err
	}

	if b.Seeded {
		return Seeded.String(), nil
	}
	if !b.Posted() {
		return "", taskqueue.Unrecoverable(fmt.Errorf("bundle %d has no transaction", bundleID))
	}

	state, err := r.Status(ctx, b)
	if err != nil {
		return "", err
	}

	switch state {
	case Seeded:
		if err := r.settleSeeded(b); err != nil {
			return "", err
		}
	case Dropped:
		if err := r.settleDropped(b); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("bundle %d: %w", bundleID, ErrPending)
	}

	return state.String(), nil
}

func (r *Reconciler) settleSeeded(b *ledger.Bundle) error {
	if err := r.ledger.MarkSeeded(b.ID); err != nil {
		return fmt.Errorf("mark seeded:\n%w", err)
	}

	if err := r.cache.Delete(kvcache.TxKey(b.TxID)); err != nil {
		logger.Warn("drop cached tx failed", "tx", b.TxID, "error", err)
	}

	if err := r.relaxMultiplier(); err != nil {
		logger.Warn("relax reward multiplier failed", "error", err)
	}

	logger.Info("bundle seeded", "bundle", b.ID, "tx", b.TxID)

	return nil
}

func (r *Reconciler) settleDropped(b *ledger.Bundle) error {
	released, err := r.ledger.ReleaseBundle(b.ID)
	if err != nil {
		return fmt.Errorf("release dropped bundle:\n%w", err)
	}

	if _, err := r.cache.Incr(kvcache.KeyDropped, 1); err != nil {
		logger.Warn("count dropped bundle failed", "error", err)
	}

	logger.Warn("bundle dropped", "bundle", b.ID, "tx", b.TxID, "released", released)

	return nil
}

// relaxMultiplier lowers the reward multiplier towards its floor.
func (r *Reconciler) relaxMultiplier() error {
	m, err := r.cache.Float(kvcache.KeyRewardMultiplier, 1)
	if err != nil {
		return err
	}

	if m <= 1 {
		return nil
	}

	return r.cache.SetFloat(kvcache.KeyRewardMultiplier, max(r.cfg.MinRewardMultiplier, m/relaxFactor))
}
