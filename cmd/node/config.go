package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"Bundler/internal/chain"
	"Bundler/internal/config"
)

// errHelp is returned by parseFlags after printing usage.
var errHelp = errors.New("help requested")

// parseFlags loads the config file named by --config, then applies any
// flag given explicitly on the command line.
func parseFlags(args []string) (*config.Config, error) {
	fs := pflag.NewFlagSet("bundler-node", pflag.ContinueOnError)

	path := fs.String("config", "", "YAML config file")
	dataPath := fs.String("data", "", "data directory path")
	workDir := fs.String("work", "", "directory for header files and item bodies")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	status := fs.String("status", "", "status API listen address, empty to disable")
	gateway := fs.String("gateway", "", "ledger gateway URL")
	keyPath := fs.String("key", "", "hex Ed25519 seed file (generated if missing)")
	localDir := fs.String("objects", "", "local object store directory")
	endpoint := fs.String("s3-endpoint", "", "S3 endpoint for item bodies")
	bucket := fs.String("s3-bucket", "", "S3 bucket for item bodies")
	minLength := fs.Int("min-bundle-length", 0, "bundle only while more items are waiting")
	maxPeerPush := fs.Int("max-peer-push", 0, "successful peer uploads per seeding round")
	threshold := fs.Int("seeding-threshold", 0, "peers forming a replication quorum")
	workers := fs.Int("workers", 0, "task workers per kind")
	peers := fs.StringSlice("peer", nil, "storage peer host:port (repeatable)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}

	if fs.Changed("data") {
		cfg.DataPath = *dataPath
	}
	if fs.Changed("work") {
		cfg.WorkDir = *workDir
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("status") {
		cfg.StatusAddress = *status
	}
	if fs.Changed("gateway") {
		cfg.GatewayURL = *gateway
	}
	if fs.Changed("key") {
		cfg.KeyPath = *keyPath
	}
	if fs.Changed("objects") {
		cfg.ObjectStore.LocalDir = *localDir
	}
	if fs.Changed("s3-endpoint") {
		cfg.ObjectStore.Endpoint = *endpoint
	}
	if fs.Changed("s3-bucket") {
		cfg.ObjectStore.Bucket = *bucket
	}
	if fs.Changed("min-bundle-length") {
		cfg.Bundling.MinBundleLength = *minLength
	}
	if fs.Changed("max-peer-push") {
		cfg.Seeding.MaxPeerPush = *maxPeerPush
	}
	if fs.Changed("seeding-threshold") {
		cfg.Seeding.SeedingThreshold = *threshold
	}
	if fs.Changed("workers") {
		cfg.Workers = *workers
	}
	if fs.Changed("peer") {
		cfg.Peers = append(cfg.Peers, *peers...)
	}

	if v := os.Getenv("BUNDLER_S3_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("BUNDLER_S3_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	return cfg, nil
}

// loadOrGenerateSigner loads the signing key from file or generates a new one.
func loadOrGenerateSigner(keyPath string) (*chain.KeySigner, error) {
	if keyPath == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}
		return chain.NewKeySigner(priv), nil
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return generateAndSaveSigner(keyPath)
	}

	return chain.LoadKeySigner(keyPath)
}

// generateAndSaveSigner creates a new key and saves its seed to path.
func generateAndSaveSigner(path string) (*chain.KeySigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return chain.NewKeySigner(priv), nil
}
