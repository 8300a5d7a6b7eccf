// Package poster commits bundles to the network as single transactions.
package poster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"Bundler/internal/chain"
	"Bundler/internal/codec"
	"Bundler/internal/container"
	"Bundler/internal/jobs"
	"Bundler/internal/kvcache"
	"Bundler/internal/ledger"
	"Bundler/internal/logger"
	"Bundler/internal/taskqueue"
)

// ResultInvalidBundle is the post result for a bundle that already has a
// transaction.
const ResultInvalidBundle = "INVALID_BUNDLE"

// CachedTxTTL is how long a signed transaction stays in the shared cache.
const CachedTxTTL = 24 * time.Hour

// ErrEmptyBundle is returned for bundles without members.
var ErrEmptyBundle = errors.New("empty bundle")

// Tags identifying a bundle transaction.
var bundleTags = []chain.Tag{
	{Name: "Application", Value: "Bundlr"},
	{Name: "Action", Value: "Bundle"},
	{Name: "Bundle-Format", Value: "binary"},
	{Name: "Bundle-Version", Value: "2.0.0"},
}

// Config tunes retries.
type Config struct {
	CreateRetries int           // CreateRetries follow a failed transaction construction
	CreateBackoff time.Duration // CreateBackoff is the pause between constructions
	SubmitRetries int           // SubmitRetries follow a failed upload to the gateway
	SubmitBackoff time.Duration // SubmitBackoff is the pause between uploads
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		CreateRetries: 3,
		CreateBackoff: 5 * time.Second,
		SubmitRetries: 5,
		SubmitBackoff: time.Second,
	}
}

// Poster builds, signs and submits bundle transactions.
type Poster struct {
	ledger  *ledger.Ledger
	queue   *taskqueue.Queue
	cache   *kvcache.Cache
	chain   chain.Client
	builder *container.Builder
	cfg     Config
}

// New creates a Poster.
func New(l *ledger.Ledger, q *taskqueue.Queue, c *kvcache.Cache, client chain.Client, b *container.Builder, cfg Config) *Poster {
	return &Poster{ledger: l, queue: q, cache: c, chain: client, builder: b, cfg: cfg}
}

// Handle is the post task handler.
func (p *Poster) Handle(ctx context.Context, t *taskqueue.Task) (string, error) {
	bundleID, err := jobs.BundleID(t)
	if err != nil {
		return "", taskqueue.Unrecoverable(err)
	}

	bundle, err := p.ledger.Bundle(bundleID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", taskqueue.Unrecoverable(ErrEmptyBundle)
	}
	if err != nil {
		return "", err
	}

	if bundle.Posted() {
		return ResultInvalidBundle, nil
	}

	members, err := p.ledger.CountItems(bundleID)
	if err != nil {
		return "", err
	}

	if members == 0 {
		if err := p.ledger.DeleteBundle(bundleID); err != nil {
			logger.Warn("delete empty bundle failed", "bundle", bundleID, "error", err)
		}
		return "", taskqueue.Unrecoverable(ErrEmptyBundle)
	}

	tx, err := p.PostBundle(ctx, bundleID, func(msg string) {
		if err := p.queue.Log(t.ID, msg); err != nil {
			logger.Debug("task log failed", "task", t.ID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}

	return tx.ID, nil
}

// PostBundle commits a bundle: it builds the container, creates and signs a
// transaction, submits it, caches it and schedules seeding. log receives
// progress lines.
func (p *Poster) PostBundle(ctx context.Context, bundleID uint64, log func(string)) (*chain.Transaction, error) {
	start := time.Now()

	ids, err := p.ledger.ItemIDs(bundleID)
	if err != nil {
		return nil, fmt.Errorf("load members:\n%w", err)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyBundle
	}

	headerPath, err := p.builder.BuildHeaderFile(ctx, bundleID, ids)
	if err != nil {
		return nil, fmt.Errorf("build header:\n%w", err)
	}
	log(fmt.Sprintf("header built for %d items", len(ids)))

	tx, err := p.createSigned(ctx, headerPath, ids)
	if err != nil {
		return nil, err
	}
	log("transaction " + tx.ID + " signed, reward " + tx.Reward)

	if err := p.submit(ctx, tx, headerPath, ids); err != nil {
		return nil, err
	}
	log("transaction " + tx.ID + " submitted")

	if err := CacheTx(p.cache, tx); err != nil {
		logger.Warn("cache transaction failed", "bundle", bundleID, "tx", tx.ID, "error", err)
	}

	height, err := p.chain.CurrentBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block height:\n%w", err)
	}

	seedJob, err := jobs.Enqueue(p.queue, jobs.KindSeed, bundleID, jobs.Seed)
	if err != nil {
		return nil, fmt.Errorf("enqueue seed:\n%w", err)
	}

	if err := p.ledger.SetPosted(bundleID, tx.ID, height, seedJob); err != nil {
		return nil, fmt.Errorf("record posted bundle:\n%w", err)
	}

	if err := p.builder.Cleanup(ids); err != nil {
		logger.Warn("item body cleanup failed", "bundle", bundleID, "error", err)
	}

	logger.Info("bundle posted",
		"bundle", bundleID,
		"tx", tx.ID,
		"items", len(ids),
		"block", height,
		"seed_task", seedJob,
		logger.Timed(start),
	)

	return tx, nil
}

// createSigned builds the tagged, repriced and signed transaction.
func (p *Poster) createSigned(ctx context.Context, headerPath string, ids []string) (*chain.Transaction, error) {
	var tx *chain.Transaction

	err := retry(ctx, "create transaction", p.cfg.CreateRetries, p.cfg.CreateBackoff, func() error {
		data, err := p.builder.Open(ctx, headerPath, ids)
		if err != nil {
			return err
		}
		defer data.Close()

		created, err := p.chain.CreateTransaction(ctx, data)
		if err != nil {
			return err
		}

		for _, tag := range bundleTags {
			created.AddTag(tag.Name, tag.Value)
		}

		multiplier, err := p.cache.Float(kvcache.KeyRewardMultiplier, 1)
		if err != nil {
			return fmt.Errorf("read reward multiplier:\n%w", err)
		}

		if err := created.ScaleReward(multiplier); err != nil {
			return err
		}

		if err := p.chain.Sign(ctx, created); err != nil {
			return fmt.Errorf("sign:\n%w", err)
		}

		tx = created
		return nil
	})

	return tx, err
}

// submit uploads the transaction. When every upload fails the transaction
// still counts as submitted if the gateway reports it accepted.
func (p *Poster) submit(ctx context.Context, tx *chain.Transaction, headerPath string, ids []string) error {
	err := retry(ctx, "submit transaction", p.cfg.SubmitRetries, p.cfg.SubmitBackoff, func() error {
		data, err := p.builder.Open(ctx, headerPath, ids)
		if err != nil {
			return err
		}
		defer data.Close()

		return p.chain.Submit(ctx, tx, data)
	})
	if err == nil {
		return nil
	}

	status, statusErr := p.chain.Status(ctx, tx.ID)
	if statusErr == nil && (status.Code == http.StatusOK || status.Code == http.StatusAccepted) {
		logger.Warn("submit failed but transaction is known", "tx", tx.ID, "status", status.Code, "error", err)
		return nil
	}

	return err
}

// CacheTx keeps a signed transaction for the seeder.
func CacheTx(c *kvcache.Cache, tx *chain.Transaction) error {
	data, err := codec.Marshal(tx)
	if err != nil {
		return err
	}

	return c.Set(kvcache.TxKey(tx.ID), data, CachedTxTTL)
}

// CachedTx returns a transaction cached by a poster.
func CachedTx(c *kvcache.Cache, txID string) (*chain.Transaction, error) {
	data, err := c.Get(kvcache.TxKey(txID))
	if err != nil {
		return nil, err
	}

	var tx chain.Transaction
	if err := codec.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decode cached tx:\n%w", err)
	}

	return &tx, nil
}

// retry runs fn once and then up to retries more times with a fixed pause.
// Container errors naming missing items are not retried.
func retry(ctx context.Context, what string, retries int, backoff time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= max(0, retries); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if container.FailedIDs(err) != nil || errors.Is(err, context.Canceled) {
			break
		}

		logger.Warn(what+" failed, retrying", "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("%s:\n%w", what, lastErr)
}
