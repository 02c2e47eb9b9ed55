package bootstrap

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quic-go/quic-go"

	"Strata/internal/ledger"
	"Strata/internal/network"
	"Strata/internal/processor"
)

// startNetNode starts a QUIC node on a loopback port.
func startNetNode(t *testing.T) *network.Node {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: key, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("network node: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// serveBootstrap attaches a bootstrap server to the node.
func serveBootstrap(t *testing.T, node *network.Node, store *ledger.Store) {
	t.Helper()

	proc := processor.New(store)
	proc.Start()
	t.Cleanup(proc.Stop)

	srv := NewServer(testConfig(), store, proc)
	node.OnBootstrapStream(func(_ *network.Peer, stream *quic.Stream) {
		srv.HandleStream(stream)
	})
}

// startInitiator wires a bootstrap initiator over a fresh client node.
func startInitiator(t *testing.T, node *network.Node, store *ledger.Store) (*Initiator, *processor.Processor, *Metrics) {
	t.Helper()

	proc := processor.New(store)
	proc.Start()
	t.Cleanup(proc.Stop)

	metrics := NopMetrics()
	initiator := NewInitiator(testConfig(), node, store, proc, nil, metrics)
	initiator.Start()
	t.Cleanup(initiator.Stop)

	return initiator, proc, metrics
}

// waitIdle waits until no attempt is live.
func waitIdle(t *testing.T, initiator *Initiator, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !initiator.InProgress() {
			return
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatal("bootstrap attempt did not finish")
}

func TestLegacyBootstrapConverges(t *testing.T) {
	serverStore := openTestStore(t)
	other := ledger.Account{0x77}

	send := sendFromGenesis(t, serverStore, other, 100)
	open := &ledger.OpenBlock{Source: send.Hash(), Representative: other, Owner: other}
	apply(t, serverStore, open)

	serverNet := startNetNode(t)
	serveBootstrap(t, serverNet, serverStore)

	clientStore := openTestStore(t)
	clientNet := startNetNode(t)
	initiator, proc, _ := startInitiator(t, clientNet, clientStore)

	if !initiator.Bootstrap(serverNet.Addr(), false, "") {
		t.Fatal("bootstrap not dispatched")
	}

	// Coalescing: a second request without force is a no-op.
	if initiator.Bootstrap(serverNet.Addr(), false, "") {
		t.Error("concurrent legacy attempt must coalesce")
	}

	waitIdle(t, initiator, 15*time.Second)
	proc.Flush()

	serverGenesis, _ := serverStore.AccountInfo(ledger.DevGenesisAccount)
	clientGenesis, _ := clientStore.AccountInfo(ledger.DevGenesisAccount)
	if clientGenesis == nil || clientGenesis.Head != serverGenesis.Head {
		t.Fatal("genesis frontier did not converge")
	}

	otherInfo, _ := clientStore.AccountInfo(other)
	if otherInfo == nil || otherInfo.Balance.Uint64() != 100 {
		t.Fatal("pulled account did not converge")
	}
}

func TestLazyBootstrapChain(t *testing.T) {
	serverStore := openTestStore(t)
	k := ledger.Account{0x88}

	// [S1, R1, S2, R2]: two sends from genesis, an open and a receive on
	// the destination chain.
	s1 := sendFromGenesis(t, serverStore, k, 50)
	r1 := &ledger.OpenBlock{Source: s1.Hash(), Representative: k, Owner: k}
	apply(t, serverStore, r1)
	s2 := sendFromGenesis(t, serverStore, k, 30)
	r2 := &ledger.ReceiveBlock{Prev: r1.Hash(), Source: s2.Hash()}
	apply(t, serverStore, r2)

	serverNet := startNetNode(t)
	serveBootstrap(t, serverNet, serverStore)

	clientStore := openTestStore(t)
	clientNet := startNetNode(t)
	initiator, proc, metrics := startInitiator(t, clientNet, clientStore)

	// Lazy pulls pick peers from the live peer table.
	if _, err := clientNet.Connect(serverNet.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !initiator.BootstrapLazy(r2.Hash(), false, true, "") {
		t.Fatal("lazy bootstrap not dispatched")
	}

	waitIdle(t, initiator, 15*time.Second)
	proc.Flush()

	info, _ := clientStore.AccountInfo(k)
	if info == nil {
		t.Fatal("lazy walk did not materialize the account")
	}
	if info.Balance.Uint64() != 80 {
		t.Fatalf("balance = %d, want 80", info.Balance.Uint64())
	}
	if info.Head != r2.Hash() {
		t.Fatal("frontier not at the seed block")
	}

	if got := testutil.ToFloat64(metrics.PullFailed); got != 0 {
		t.Fatalf("pull_failed = %v, want 0", got)
	}
}

func TestLazyBootstrapIdempotent(t *testing.T) {
	store := openTestStore(t)
	node := startNetNode(t)
	initiator, _, _ := startInitiator(t, node, store)

	// Seeding at an already-local hash completes without pulls.
	if !initiator.BootstrapLazy(genesisHead(t, store), false, false, "") {
		t.Fatal("lazy bootstrap not dispatched")
	}

	waitIdle(t, initiator, 10*time.Second)

	if initiator.Connections().PullQueueSize() != 0 {
		t.Fatal("pulls queued for a known hash")
	}
}
