package main

import (
	"errors"
	"fmt"
	"os"

	"Bundler/internal/config"
	"Bundler/internal/logger"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	signer, err := loadOrGenerateSigner(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, signer)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, signer.Owner())

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *config.Config, owner string) {
	store := "local:" + cfg.ObjectStore.LocalDir
	if cfg.ObjectStore.Endpoint != "" {
		store = "s3:" + cfg.ObjectStore.Endpoint + "/" + cfg.ObjectStore.Bucket
	}

	logger.Info("starting bundler node",
		"owner", owner,
		"gateway", cfg.GatewayURL,
		"status", cfg.StatusAddress,
		"data", cfg.DataPath,
		"objects", store,
		"peers", len(cfg.Peers),
	)
}
