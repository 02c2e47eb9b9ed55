package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"Strata/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()
	logger.SetDebug(cfg.Debug)

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting Strata node",
		"pubkey", hex.EncodeToString(pubKey),
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"dev", cfg.Dev,
		"rep", cfg.Representative,
	)
}
