package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"Bundler/internal/batcher"
	"Bundler/internal/chain"
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

// initStorage initializes the Pebble storage and everything kept in it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	n.storage = db

	cache, err := kvcache.New(db)
	if err != nil {
		return fmt.Errorf("init cache:\n%w", err)
	}
	n.cache = cache

	n.ledger = ledger.New(db)
	n.queue = taskqueue.New(db, taskqueue.Config{})

	return nil
}

// initObjects connects to S3 when an endpoint is configured, or opens the
// local object directory.
func (n *Node) initObjects() error {
	oc := n.cfg.ObjectStore

	if oc.Endpoint != "" {
		store, err := objectstore.NewMinio(objectstore.MinioConfig{
			Endpoint:  oc.Endpoint,
			Bucket:    oc.Bucket,
			AccessKey: oc.AccessKey,
			SecretKey: oc.SecretKey,
			UseSSL:    oc.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init object store:\n%w", err)
		}
		n.objects = store
		return nil
	}

	store, err := objectstore.NewLocal(oc.LocalDir)
	if err != nil {
		return fmt.Errorf("init local object store:\n%w", err)
	}
	n.objects = store

	return nil
}

// initChain creates the gateway and storage peer clients.
func (n *Node) initChain() {
	n.gateway = chain.NewGateway(n.cfg.GatewayURL, n.signer, n.cfg.GatewayRPS)
	n.peers = chain.NewHTTPPeers(n.cfg.PeerRPS)
}

// initComponents builds the bundling pipeline.
func (n *Node) initComponents() error {
	builder, err := container.NewBuilder(n.cfg.WorkDir, n.objects)
	if err != nil {
		return fmt.Errorf("init container builder:\n%w", err)
	}
	n.builder = builder

	n.trust = trust.New(n.ledger)
	n.busy = &batcher.Busy{}

	n.batcher = batcher.New(n.ledger, n.queue, n.busy, batcher.Config{
		MinBundleLength: n.cfg.Bundling.MinBundleLength,
		MaxBundleBytes:  n.cfg.Bundling.MaxBundleBytes,
		ItemsInterval:   n.cfg.Bundling.ItemsInterval,
		OldInterval:     n.cfg.Bundling.OldInterval,
		OldAge:          n.cfg.Bundling.OldAge,
	})

	n.poster = poster.New(n.ledger, n.queue, n.cache, n.gateway, builder, poster.DefaultConfig())

	n.seeder = seeder.New(n.ledger, n.queue, n.cache, n.gateway, n.peers, n.trust, builder, seeder.Config{
		MaxPeerPush: n.cfg.Seeding.MaxPeerPush,
		Concurrency: n.cfg.Seeding.Concurrency,
	})

	n.reconciler = reconciler.New(n.ledger, n.queue, n.cache, n.gateway, n.peers, n.trust, n.objects, reconciler.Config{
		ConfirmationThreshold: n.cfg.Seeding.ConfirmationThreshold,
		SeedingThreshold:      n.cfg.Seeding.SeedingThreshold,
		MinRewardMultiplier:   n.cfg.MinRewardMultiplier,
	})

	return nil
}

// initPeers records the configured storage peers and replaces the bundler
// peer table when one is configured.
func (n *Node) initPeers() error {
	added, err := n.ledger.AddPeers(n.cfg.Peers)
	if err != nil {
		return fmt.Errorf("add peers:\n%w", err)
	}
	if added > 0 {
		logger.Info("storage peers added", "count", added)
	}

	if len(n.cfg.BundlerPeers) == 0 {
		return nil
	}

	if err := n.ledger.ReplaceBundlerPeers(n.cfg.LedgerBundlerPeers()); err != nil {
		return fmt.Errorf("replace bundler peers:\n%w", err)
	}

	logger.Info("bundler peers refreshed", "count", len(n.cfg.BundlerPeers))

	return nil
}

// initRewardMultiplier seeds the shared reward multiplier on first start.
func (n *Node) initRewardMultiplier() error {
	_, err := n.cache.Get(kvcache.KeyRewardMultiplier)
	if err == nil {
		return nil
	}
	if !errors.Is(err, kvcache.ErrMiss) {
		return fmt.Errorf("read reward multiplier:\n%w", err)
	}

	return n.cache.SetFloat(kvcache.KeyRewardMultiplier, n.cfg.InitialRewardMultiplier)
}
