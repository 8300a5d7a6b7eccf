// Package seeder pushes posted bundles to storage peers.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"Bundler/internal/chain"
	"Bundler/internal/container"
	"Bundler/internal/jobs"
	"Bundler/internal/kvcache"
	"Bundler/internal/ledger"
	"Bundler/internal/logger"
	"Bundler/internal/poster"
	"Bundler/internal/taskqueue"
	"Bundler/internal/trust"
)

var (
	// ErrNotPosted is returned when seeding a bundle without a transaction.
	ErrNotPosted = errors.New("bundle not posted")

	// ErrNoPeers is returned when no peer accepted the bundle.
	ErrNoPeers = errors.New("no peer accepted the bundle")

	// ErrDataMismatch is returned when the rebuilt container does not match
	// the transaction's data root.
	ErrDataMismatch = errors.New("container does not match transaction")
)

// Config tunes a seeding round.
type Config struct {
	MaxPeerPush    int           // MaxPeerPush stops the round after this many successes
	Concurrency    int           // Concurrency bounds simultaneous peer uploads
	Retries        int           // Retries follow a failed non-timeout upload to one peer
	InitialTimeout time.Duration // InitialTimeout applies until a peer succeeds
	MinTimeout     time.Duration // MinTimeout is the adaptive timeout floor
}

// DefaultConfig returns the production round settings.
func DefaultConfig() Config {
	return Config{
		MaxPeerPush:    5,
		Concurrency:    5,
		Retries:        3,
		InitialTimeout: 120 * time.Second,
		MinTimeout:     60 * time.Second,
	}
}

// Attempt is the outcome of pushing to one peer.
type Attempt struct {
	Peer     string        // Peer is the peer address
	Elapsed  time.Duration // Elapsed is the duration of the final try
	TimedOut bool          // TimedOut is set when the timeout cut the upload
	Err      error         // Err is nil on success
}

// Round summarizes a seeding round.
type Round struct {
	Attempts  []Attempt
	Succeeded int
	Fastest   string // Fastest is the quickest successful peer
}

// Seeder runs seeding rounds.
type Seeder struct {
	ledger  *ledger.Ledger
	queue   *taskqueue.Queue
	cache   *kvcache.Cache
	chain   chain.Client
	peers   chain.PeerClient
	trust   *trust.Store
	builder *container.Builder
	cfg     Config

	cleanups sync.WaitGroup // cleanups tracks deferred body removal
}

// New creates a Seeder.
func New(
	l *ledger.Ledger,
	q *taskqueue.Queue,
	c *kvcache.Cache,
	client chain.Client,
	peers chain.PeerClient,
	ts *trust.Store,
	b *container.Builder,
	cfg Config,
) *Seeder {
	def := DefaultConfig()
	if cfg.MaxPeerPush <= 0 {
		cfg.MaxPeerPush = def.MaxPeerPush
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.InitialTimeout <= 0 {
		cfg.InitialTimeout = def.InitialTimeout
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = def.MinTimeout
	}

	return &Seeder{
		ledger:  l,
		queue:   q,
		cache:   c,
		chain:   client,
		peers:   peers,
		trust:   ts,
		builder: b,
		cfg:     cfg,
	}
}

// Wait blocks until deferred cleanups finish.
func (s *Seeder) Wait() {
	s.cleanups.Wait()
}

// HandleSeed is the seed task handler. After a round with at least one
// success it schedules the delayed status check.
func (s *Seeder) HandleSeed(ctx context.Context, t *taskqueue.Task) (string, error) {
	return s.handle(ctx, t, true)
}

// HandleReseed is the reseed task handler.
func (s *Seeder) HandleReseed(ctx context.Context, t *taskqueue.Task) (string, error) {
	return s.handle(ctx, t, false)
}

func (s *Seeder) handle(ctx context.Context, t *taskqueue.Task, verify bool) (string, error) {
	bundleID, err := jobs.BundleID(t)
	if err != nil {
		return "", taskqueue.Unrecoverable(err)
	}

	bundle, err := s.ledger.Bundle(bundleID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "bundle gone", nil
	}
	if err != nil {
		return "", err
	}

	if bundle.Seeded {
		return "already seeded", nil
	}

	round, err := s.SeedBundle(ctx, bundleID, s.cfg.MaxPeerPush, func(msg string) {
		if err := s.queue.Log(t.ID, msg); err != nil {
			logger.Debug("task log failed", "task", t.ID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}

	if verify && !s.verifyScheduled(bundle.JobID) {
		jobID, err := jobs.Enqueue(s.queue, jobs.KindVerify, bundleID, jobs.Verify)
		if err != nil {
			return "", fmt.Errorf("enqueue verify:\n%w", err)
		}

		if err := s.ledger.SetJob(bundleID, jobID); err != nil {
			return "", fmt.Errorf("record verify task:\n%w", err)
		}
	}

	return fmt.Sprintf("seeded to %d peers", round.Succeeded), nil
}

// verifyScheduled reports whether jobID is a live verify task.
func (s *Seeder) verifyScheduled(jobID uint64) bool {
	if jobID == 0 {
		return false
	}

	t, err := s.queue.Task(jobID)
	if err != nil {
		return false
	}

	return t.Kind == jobs.KindVerify && t.Live()
}

// SeedBundle pushes a posted bundle to peers in trust order until
// maxPeerPush of them accepted it.
func (s *Seeder) SeedBundle(ctx context.Context, bundleID uint64, maxPeerPush int, log func(string)) (*Round, error) {
	start := time.Now()

	bundle, err := s.ledger.Bundle(bundleID)
	if err != nil {
		return nil, err
	}
	if !bundle.Posted() {
		return nil, fmt.Errorf("bundle %d: %w", bundleID, ErrNotPosted)
	}

	tx, err := s.transaction(ctx, bundle.TxID)
	if err != nil {
		return nil, err
	}

	ids, err := s.ledger.ItemIDs(bundleID)
	if err != nil {
		return nil, fmt.Errorf("load members:\n%w", err)
	}

	headerPath, err := s.builder.BuildHeaderFile(ctx, bundleID, ids)
	if err != nil {
		return nil, fmt.Errorf("build header:\n%w", err)
	}

	defer s.cleanup(bundleID, ids)

	if err := s.checkChunks(ctx, tx, headerPath, ids); err != nil {
		return nil, err
	}

	ranked, err := s.trust.Ranked(ctx)
	if err != nil {
		return nil, fmt.Errorf("rank peers:\n%w", err)
	}

	round := s.round(ctx, ranked, maxPeerPush, func(ctx context.Context, peer string) error {
		data, err := s.builder.Open(ctx, headerPath, ids)
		if err != nil {
			return err
		}
		defer data.Close()

		return s.peers.Upload(ctx, peer, tx, data)
	})

	for _, a := range round.Attempts {
		switch {
		case a.Err == nil:
			log(fmt.Sprintf("peer %s accepted in %s", a.Peer, a.Elapsed))
		case a.TimedOut:
			log(fmt.Sprintf("peer %s timed out after %s", a.Peer, a.Elapsed))
		default:
			log(fmt.Sprintf("peer %s failed: %v", a.Peer, a.Err))
		}
	}

	logger.Info("seeding round done",
		"bundle", bundleID,
		"tx", tx.ID,
		"succeeded", round.Succeeded,
		"attempted", len(round.Attempts),
		"fastest", round.Fastest,
		logger.Timed(start),
	)

	if round.Succeeded == 0 {
		return round, fmt.Errorf("bundle %d: %w", bundleID, ErrNoPeers)
	}

	return round, nil
}

// transaction returns the cached signed transaction or fetches it.
func (s *Seeder) transaction(ctx context.Context, txID string) (*chain.Transaction, error) {
	tx, err := poster.CachedTx(s.cache, txID)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, kvcache.ErrMiss) {
		logger.Warn("cached transaction unreadable", "tx", txID, "error", err)
	}

	tx, err = s.chain.Transaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s:\n%w", txID, err)
	}

	return tx, nil
}

// checkChunks downloads missing bodies and compares the container's chunk
// root with the transaction.
func (s *Seeder) checkChunks(ctx context.Context, tx *chain.Transaction, headerPath string, ids []string) error {
	data, err := s.builder.Open(ctx, headerPath, ids)
	if err != nil {
		return err
	}
	defer data.Close()

	chunks, err := chain.ComputeChunks(data)
	if err != nil {
		return err
	}

	if tx.DataRoot != "" && tx.DataRoot != chunks.RootString() {
		return taskqueue.Unrecoverable(fmt.Errorf("%w: root %s, tx %s", ErrDataMismatch, chunks.RootString(), tx.DataRoot))
	}

	return nil
}

// round walks peers with bounded concurrency. Each spawned peer reads the
// shared fastest time once to derive its timeout.
func (s *Seeder) round(ctx context.Context, ranked []*ledger.Peer, maxPeerPush int, upload func(ctx context.Context, peer string) error) *Round {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fastest   atomic.Int64 // fastest is the quickest success in nanoseconds, 0 for none
		succeeded atomic.Int32

		mu       sync.Mutex
		attempts []Attempt
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	for _, p := range ranked {
		if ledger.IsLoopback(p.Address) {
			continue
		}
		if int(succeeded.Load()) >= maxPeerPush || rctx.Err() != nil {
			break
		}

		peer := p.Address

		g.Go(func() error {
			if rctx.Err() != nil {
				return nil
			}

			timeout := s.nextTimeout(time.Duration(fastest.Load()))
			a := s.push(rctx, peer, timeout, upload)

			if a.Err == nil {
				lowerMin(&fastest, int64(a.Elapsed))
				if int(succeeded.Add(1)) >= maxPeerPush {
					cancel()
				}
			}

			// Attempts cut short by the end of the round are not reported.
			if a.Err != nil && !a.TimedOut && rctx.Err() != nil {
				return nil
			}

			mu.Lock()
			attempts = append(attempts, a)
			mu.Unlock()

			return nil
		})
	}

	g.Wait()

	round := &Round{Attempts: attempts}

	var best time.Duration
	for _, a := range attempts {
		if a.Err != nil {
			continue
		}
		round.Succeeded++
		if round.Fastest == "" || a.Elapsed < best {
			round.Fastest, best = a.Peer, a.Elapsed
		}
	}

	if round.Fastest != "" {
		s.trust.Praise(ctx, round.Fastest)
	}

	return round
}

// push uploads to one peer, retrying non-timeout failures. A success is
// praised, a failure punished, a timeout left alone. Trust updates outlive
// the end of the round so a late success still counts.
func (s *Seeder) push(ctx context.Context, peer string, timeout time.Duration, upload func(ctx context.Context, peer string) error) Attempt {
	a := Attempt{Peer: peer}
	tctx := context.WithoutCancel(ctx)

	for try := 0; try <= s.cfg.Retries; try++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := upload(actx, peer)
		a.Elapsed = time.Since(start)
		deadline := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			a.Err = nil
			s.trust.Praise(tctx, peer)
			return a
		}
		a.Err = err

		if ctx.Err() != nil {
			return a
		}

		if deadline {
			a.TimedOut = true
			logger.Debug("peer upload timed out", "peer", peer, "timeout", timeout)
			return a
		}

		// Missing bundle data is not the peer's fault.
		if container.FailedIDs(err) != nil {
			return a
		}

		logger.Debug("peer upload failed", "peer", peer, "try", try+1, "error", err)
	}

	s.trust.Punish(tctx, peer)

	return a
}

// nextTimeout derives a peer's timeout from the fastest success so far.
func (s *Seeder) nextTimeout(fastest time.Duration) time.Duration {
	if fastest <= 0 {
		return s.cfg.InitialTimeout
	}

	t := max(fastest*11/10, s.cfg.MinTimeout)
	return min(t, s.cfg.InitialTimeout)
}

// lowerMin stores v into m when it is smaller or m is unset.
func lowerMin(m *atomic.Int64, v int64) {
	for {
		cur := m.Load()
		if cur != 0 && cur <= v {
			return
		}
		if m.CompareAndSwap(cur, v) {
			return
		}
	}
}

// cleanup removes local item bodies in the background.
func (s *Seeder) cleanup(bundleID uint64, ids []string) {
	s.cleanups.Add(1)

	go func() {
		defer s.cleanups.Done()

		if err := s.builder.Cleanup(ids); err != nil {
			logger.With("side_task", "cleanup", "bundle", bundleID).Warn("item body cleanup failed", "error", err)
		}
	}()
}
