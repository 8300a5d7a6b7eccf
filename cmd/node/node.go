package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"Bundler/internal/api"
	"Bundler/internal/batcher"
	"Bundler/internal/chain"
	"Bundler/internal/config"
	"Bundler/internal/container"
	"Bundler/internal/kvcache"
	"Bundler/internal/ledger"
	"Bundler/internal/logger"
	"Bundler/internal/objectstore"
	"Bundler/internal/poster"
	"Bundler/internal/reconciler"
	"Bundler/internal/seeder"
	"Bundler/internal/storage"
	"Bundler/internal/taskqueue"
	"Bundler/internal/trust"
)

const (
	// busyWaitTimeout bounds how long shutdown waits for a batching pass.
	busyWaitTimeout = 2 * time.Minute

	// busyPollInterval is how often shutdown rechecks the busy flag.
	busyPollInterval = time.Second
)

// Node represents a running bundler node.
type Node struct {
	cfg     *config.Config
	signer  *chain.KeySigner
	storage *storage.Storage
	ledger  *ledger.Ledger
	cache   *kvcache.Cache
	queue   *taskqueue.Queue
	objects objectstore.Store
	gateway *chain.Gateway
	peers   *chain.HTTPPeers
	builder *container.Builder
	trust   *trust.Store
	busy    *batcher.Busy // busy is set while a batching pass runs

	batcher    *batcher.Batcher
	poster     *poster.Poster
	seeder     *seeder.Seeder
	reconciler *reconciler.Reconciler
	api        *api.Server

	stop chan struct{}  // stop ends the housekeeping loop
	wg   sync.WaitGroup // wg tracks the housekeeping loop
}

// NewNode creates and initializes a new node.
func NewNode(cfg *config.Config, signer *chain.KeySigner) (*Node, error) {
	n := &Node{cfg: cfg, signer: signer, stop: make(chan struct{})}

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initObjects(); err != nil {
		n.Close()
		return nil, err
	}

	n.initChain()

	if err := n.initComponents(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initPeers(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initRewardMultiplier(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	n.setupTaskHandlers()

	if n.cfg.StatusAddress != "" {
		n.api = api.New(n.cfg.StatusAddress, n.ledger, n.queue, n.cache)
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	n.batcher.Start()

	n.wg.Add(1)
	go n.housekeepingLoop()

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully. Intake stops first, then
// running batching passes are awaited before the workers and storage close.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.batcher != nil {
		n.batcher.Stop()
	}

	if n.busy != nil {
		ctx, cancel := context.WithTimeout(context.Background(), busyWaitTimeout)
		if err := n.busy.Wait(ctx, busyPollInterval); err != nil {
			logger.Warn("batching still busy at shutdown", "error", err)
		}
		cancel()
	}

	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	n.wg.Wait()

	if n.queue != nil {
		n.queue.Close()
	}

	if n.seeder != nil {
		n.seeder.Wait()
	}

	if n.cache != nil {
		n.cache.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	logger.Info("node stopped")

	return nil
}
