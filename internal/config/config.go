// Package config loads the node configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Bundler/internal/ledger"
)

// Config is the top-level node configuration.
type Config struct {
	// DataPath is the directory holding the Pebble store.
	DataPath string `yaml:"data_path"`

	// WorkDir holds header files and downloaded item bodies.
	WorkDir string `yaml:"work_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// StatusAddress is the listen address of the operator status endpoint.
	// Empty disables it.
	StatusAddress string `yaml:"status_address"`

	// GatewayURL is the base URL of the ledger gateway.
	GatewayURL string `yaml:"gateway_url"`

	// GatewayRPS rate limits gateway requests.
	GatewayRPS float64 `yaml:"gateway_rps"`

	// PeerRPS rate limits storage peer requests.
	PeerRPS float64 `yaml:"peer_rps"`

	// KeyPath is a hex-encoded Ed25519 seed used to sign transactions.
	KeyPath string `yaml:"key_path"`

	// ObjectStore locates item bodies.
	ObjectStore ObjectStore `yaml:"object_store"`

	Bundling Bundling `yaml:"bundling"`
	Seeding  Seeding  `yaml:"seeding"`

	// Workers is the per-kind task worker count.
	Workers int `yaml:"workers"`

	// MinRewardMultiplier is the floor the reward multiplier relaxes to.
	MinRewardMultiplier float64 `yaml:"min_reward_multiplier"`

	// InitialRewardMultiplier seeds the multiplier when none is cached.
	InitialRewardMultiplier float64 `yaml:"initial_reward_multiplier"`

	// Peers are the storage peers known at startup.
	Peers []string `yaml:"peers"`

	// BundlerPeers replaces the bundler peer table at startup.
	BundlerPeers []BundlerPeer `yaml:"bundler_peers"`

	// FinishedRetention is how long completed and failed tasks are kept.
	FinishedRetention time.Duration `yaml:"finished_retention"`
}

// ObjectStore selects S3 when Endpoint is set, a local directory otherwise.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	LocalDir  string `yaml:"local_dir"`
}

// Bundling tunes the batching loops.
type Bundling struct {
	MinBundleLength int           `yaml:"min_bundle_length"`
	MaxBundleBytes  uint64        `yaml:"max_bundle_bytes"`
	ItemsInterval   time.Duration `yaml:"items_interval"`
	OldInterval     time.Duration `yaml:"old_interval"`
	OldAge          time.Duration `yaml:"old_age"`
}

// Seeding tunes peer replication and status checks.
type Seeding struct {
	MaxPeerPush           int    `yaml:"max_peer_push"`
	Concurrency           int    `yaml:"concurrency"`
	SeedingThreshold      int    `yaml:"seeding_threshold"`
	ConfirmationThreshold uint64 `yaml:"confirmation_threshold"`
}

// BundlerPeer is a fellow bundler node.
type BundlerPeer struct {
	Address       string `yaml:"address"`
	PublicKey     string `yaml:"public_key"`
	InitializerTx string `yaml:"initializer_tx"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
}

// Default returns a configuration with every field set.
func Default() *Config {
	return &Config{
		DataPath:      "./data",
		WorkDir:       "./work",
		LogLevel:      "info",
		StatusAddress: ":8080",
		GatewayURL:    "http://127.0.0.1:1984",
		GatewayRPS:    20,
		PeerRPS:       50,
		ObjectStore: ObjectStore{
			Bucket:   "bundler",
			LocalDir: "./objects",
		},
		Bundling: Bundling{
			MinBundleLength: 100,
			MaxBundleBytes:  ledger.MaxBundleBytes,
			ItemsInterval:   2 * time.Minute,
			OldInterval:     5 * time.Minute,
			OldAge:          12 * time.Hour,
		},
		Seeding: Seeding{
			MaxPeerPush:           5,
			Concurrency:           5,
			SeedingThreshold:      3,
			ConfirmationThreshold: 15,
		},
		Workers:                 5,
		MinRewardMultiplier:     1,
		InitialRewardMultiplier: 1,
		FinishedRetention:       7 * 24 * time.Hour,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file:\n%w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.DataPath == "" {
		errs = append(errs, errors.New("data_path is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.GatewayURL == "" {
		errs = append(errs, errors.New("gateway_url is required"))
	}
	if c.ObjectStore.Endpoint == "" && c.ObjectStore.LocalDir == "" {
		errs = append(errs, errors.New("object_store needs an endpoint or a local_dir"))
	}
	if c.ObjectStore.Endpoint != "" && c.ObjectStore.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required with an endpoint"))
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	if c.Bundling.MinBundleLength < 1 {
		errs = append(errs, errors.New("bundling.min_bundle_length must be at least 1"))
	}
	if c.Bundling.MaxBundleBytes == 0 || c.Bundling.MaxBundleBytes > ledger.MaxBundleBytes {
		errs = append(errs, fmt.Errorf("bundling.max_bundle_bytes must be in (0, %d]", uint64(ledger.MaxBundleBytes)))
	}
	if c.Seeding.MaxPeerPush < 1 {
		errs = append(errs, errors.New("seeding.max_peer_push must be at least 1"))
	}
	if c.Seeding.Concurrency < 1 {
		errs = append(errs, errors.New("seeding.concurrency must be at least 1"))
	}
	if c.Seeding.SeedingThreshold < 1 {
		errs = append(errs, errors.New("seeding.seeding_threshold must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.MinRewardMultiplier <= 0 {
		errs = append(errs, errors.New("min_reward_multiplier must be positive"))
	}
	if c.InitialRewardMultiplier < c.MinRewardMultiplier {
		errs = append(errs, errors.New("initial_reward_multiplier is below min_reward_multiplier"))
	}

	for i, p := range c.BundlerPeers {
		if p.Address == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("bundler_peers[%d]: address and host are required", i))
		}
		if p.Port <= 0 || p.Port > 65535 {
			errs = append(errs, fmt.Errorf("bundler_peers[%d]: invalid port %d", i, p.Port))
		}
	}

	return errors.Join(errs...)
}

// LedgerBundlerPeers converts the configured bundler peers to ledger rows.
func (c *Config) LedgerBundlerPeers() []ledger.BundlerPeer {
	peers := make([]ledger.BundlerPeer, len(c.BundlerPeers))
	for i, p := range c.BundlerPeers {
		peers[i] = ledger.BundlerPeer{
			Address:       p.Address,
			PublicKey:     p.PublicKey,
			InitializerTx: p.InitializerTx,
			Host:          p.Host,
			Port:          p.Port,
		}
	}
	return peers
}
