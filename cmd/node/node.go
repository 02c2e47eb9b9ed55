package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"

	"Strata/internal/bootstrap"
	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/network"
	"Strata/internal/processor"
	"Strata/internal/repcrawler"
	"Strata/internal/vote"
	"Strata/internal/wallet"
)

// Node is a running Strata node.
type Node struct {
	cfg *Config

	store     *ledger.Store
	proc      *processor.Processor
	net       *network.Node
	crawler   *repcrawler.Crawler
	initiator *bootstrap.Initiator
	server    *bootstrap.Server
	wallet    *wallet.Wallet
	repKey    *vote.KeyPair

	metricsSrv *http.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, wallet: wallet.New()}

	if err := n.initStore(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initBootstrap()
	n.initHandlers()

	if cfg.Representative {
		key, err := vote.GenerateKeyFromSeed(cfg.PrivateKey.Seed())
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("derive representative key: %w", err)
		}

		n.repKey = key
		logger.Info("vote responder enabled", "account", key.Account())
	}

	return n, nil
}

// initStore opens the ledger store and seeds dev genesis on first run.
func (n *Node) initStore() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := ledger.Open(n.cfg.DataPath + "/ledger")
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	n.store = store

	if n.cfg.Dev {
		info, err := store.AccountInfo(ledger.DevGenesisAccount)
		if err != nil {
			return err
		}

		if info == nil {
			if err := store.AddGenesis(ledger.DevGenesisBlock()); err != nil {
				return fmt.Errorf("seed genesis: %w", err)
			}

			logger.Info("seeded dev genesis", "account", ledger.DevGenesisAccount)
		}
	}

	n.proc = processor.New(store)

	return nil
}

// initNetwork creates the QUIC transport.
func (n *Node) initNetwork() error {
	net, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network: %w", err)
	}

	n.net = net

	return nil
}

// initBootstrap wires the crawler, the initiator and the server half.
func (n *Node) initBootstrap() {
	bootstrapCfg := bootstrap.DefaultConfig()
	bootstrapCfg.DevNetwork = n.cfg.Dev

	crawlerCfg := repcrawler.Config{
		MinimumPrincipalWeight: ledger.AmountFromUint64(1),
		OnlineWeightMinimum:    ledger.AmountFromUint64(1 << 40),
		DevNetwork:             n.cfg.Dev,
	}

	metrics := bootstrap.NewMetrics(prometheus.DefaultRegisterer)

	n.crawler = repcrawler.New(crawlerCfg, n.net, n.store)
	n.initiator = bootstrap.NewInitiator(bootstrapCfg, n.net, n.store, n.proc, n.crawler, metrics)
	n.server = bootstrap.NewServer(bootstrapCfg, n.store, n.proc)
}

// initHandlers routes incoming network traffic.
func (n *Node) initHandlers() {
	n.net.OnBootstrapStream(func(_ *network.Peer, stream *quic.Stream) {
		n.server.HandleStream(stream)
	})

	n.net.OnVote(func(p *network.Peer, v *vote.Vote) {
		n.crawler.Response(p, v)
	})

	n.net.OnConfirmReq(n.handleConfirmReq)
}

// handleConfirmReq answers a confirm-request with a vote over the locally
// known hashes, when the vote responder is enabled.
func (n *Node) handleConfirmReq(p *network.Peer, req *network.ConfirmReq) {
	if n.repKey == nil {
		return
	}

	var hashes []ledger.Hash
	for _, pair := range req.Pairs {
		exists, err := n.store.BlockOrPrunedExists(pair.Hash)
		if err != nil || !exists {
			continue
		}

		hashes = append(hashes, pair.Hash)
	}

	if len(hashes) == 0 {
		return
	}

	v := vote.New(n.repKey, uint64(time.Now().UnixMilli()), hashes)
	if err := p.SendVote(v); err != nil {
		logger.Debug("vote send failed", "peer", p.Address(), "error", err)
	}
}

// Run starts all subsystems and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.net.Start(); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	n.proc.Start()
	n.crawler.Start()
	n.initiator.Start()
	n.startMetrics()

	for _, addr := range n.cfg.Peers {
		if _, err := n.net.Connect(addr); err != nil {
			logger.Warn("peer connect failed", "addr", addr, "error", err)
		}
	}

	if n.cfg.BootstrapPeer != "" {
		n.initiator.Bootstrap(n.cfg.BootstrapPeer, false, "")
	}

	n.seedWallet()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	n.Close()

	return nil
}

// seedWallet loads the configured accounts of interest and starts a
// wallet-lazy attempt over them.
func (n *Node) seedWallet() {
	for _, raw := range n.cfg.WalletAccounts {
		decoded, err := hex.DecodeString(raw)
		if err != nil || len(decoded) != ledger.AccountSize {
			logger.Warn("ignoring malformed wallet account", "account", raw)
			continue
		}

		var account ledger.Account
		copy(account[:], decoded)
		n.wallet.Add(account)
	}

	if n.wallet.Len() > 0 {
		n.initiator.BootstrapWallet(n.wallet.Accounts())
	}
}

// startMetrics serves the Prometheus endpoint when configured.
func (n *Node) startMetrics() {
	if n.cfg.MetricsAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{Addr: n.cfg.MetricsAddress, Handler: mux}

	go func() {
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()
}

// Close stops all subsystems: metrics, bootstrap and crawler first, then the
// transport, the block processor and the store.
func (n *Node) Close() {
	if n.metricsSrv != nil {
		n.metricsSrv.Close()
	}

	if n.initiator != nil {
		n.initiator.Stop()
	}

	if n.crawler != nil {
		n.crawler.Stop()
	}

	if n.net != nil {
		n.net.Close()
	}

	if n.proc != nil {
		n.proc.Stop()
	}

	if n.store != nil {
		n.store.Close()
	}
}
