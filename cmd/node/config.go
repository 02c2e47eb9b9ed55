package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// MetricsAddress is the Prometheus HTTP listen address, empty to
	// disable.
	MetricsAddress string

	// KeyPath is the path to the Ed25519 identity key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// Peers are addresses to connect to at startup.
	Peers []string

	// BootstrapPeer is an endpoint to run legacy bootstrap against at
	// startup.
	BootstrapPeer string

	// WalletAccounts are hex accounts of interest seeding wallet-lazy
	// bootstrap at startup.
	WalletAccounts []string

	// Representative enables the vote responder with a BLS key derived
	// from the identity key.
	Representative bool

	// Dev selects dev-network genesis, timings and limits.
	Dev bool

	// Debug lowers the log level.
	Debug bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	var peers, walletAccounts string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.QUICAddress, "quic", ":7075", "QUIC P2P address")
	flag.StringVar(&cfg.MetricsAddress, "metrics", "", "Prometheus address (empty to disable)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 identity key path (generates new if missing)")
	flag.StringVar(&peers, "peers", "", "Comma-separated peer addresses")
	flag.StringVar(&cfg.BootstrapPeer, "bootstrap", "", "Endpoint to bootstrap against at startup")
	flag.StringVar(&walletAccounts, "wallet-accounts", "", "Comma-separated hex accounts for wallet bootstrap")
	flag.BoolVar(&cfg.Representative, "rep", false, "Answer confirm-requests with votes")
	flag.BoolVar(&cfg.Dev, "dev", false, "Dev network mode")
	flag.BoolVar(&cfg.Debug, "debug", false, "Debug logging")
	flag.Parse()

	for _, p := range strings.Split(peers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Peers = append(cfg.Peers, p)
		}
	}

	for _, a := range strings.Split(walletAccounts, ",") {
		if a = strings.TrimSpace(a); a != "" {
			cfg.WalletAccounts = append(cfg.WalletAccounts, a)
		}
	}

	return cfg
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s: %w", path, err)
	}

	return priv, nil
}
