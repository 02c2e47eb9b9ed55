package bootstrap

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"Strata/internal/ledger"
	"Strata/internal/processor"
)

// openTestStore opens a genesis-seeded store.
func openTestStore(t *testing.T) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.AddGenesis(ledger.DevGenesisBlock()); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	return store
}

// apply commits one block through a throwaway processor.
func apply(t *testing.T, store *ledger.Store, b ledger.Block) {
	t.Helper()

	proc := processor.New(store)
	proc.Add(b, ledger.Account{})
	proc.Flush()

	if has, _ := store.HasBlock(b.Hash()); !has {
		t.Fatalf("block %s (%s) did not commit", b.Hash(), b.Type())
	}
}

// genesisHead returns the current genesis frontier.
func genesisHead(t *testing.T, store *ledger.Store) ledger.Hash {
	t.Helper()

	info, err := store.AccountInfo(ledger.DevGenesisAccount)
	if err != nil || info == nil {
		t.Fatalf("genesis info: %v", err)
	}

	return info.Head
}

// sendFromGenesis appends a send of amount to dest on the genesis chain.
func sendFromGenesis(t *testing.T, store *ledger.Store, dest ledger.Account, amount uint64) *ledger.SendBlock {
	t.Helper()

	info, err := store.AccountInfo(ledger.DevGenesisAccount)
	if err != nil || info == nil {
		t.Fatalf("genesis info: %v", err)
	}

	remaining, ok := info.Balance.Sub(ledger.AmountFromUint64(amount))
	if !ok {
		t.Fatal("genesis balance exhausted")
	}

	send := &ledger.SendBlock{Prev: info.Head, Destination: dest, Bal: remaining}
	apply(t, store, send)

	return send
}

// testConfig returns dev-network bootstrap settings.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DevNetwork = true

	return cfg
}

// testServer builds a bootstrap server over the store.
func testServer(t *testing.T, store *ledger.Store) (*Server, *processor.Processor) {
	t.Helper()

	proc := processor.New(store)

	return NewServer(testConfig(), store, proc), proc
}

// pipe returns two ends of an in-memory duplex stream.
func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b
}

// stubAttempt is a minimal attempt for driving exchanges directly.
type stubAttempt struct {
	id      uint64
	stopped atomic.Bool

	mu        sync.Mutex
	blocks    []ledger.Block
	pulling   int
	requeued  int
	succeeded int
	exhausted []PullInfo
}

func (s *stubAttempt) ID() uint64    { return s.id }
func (s *stubAttempt) Mode() Mode    { return ModeLegacy }
func (s *stubAttempt) Stopped() bool { return s.stopped.Load() }
func (s *stubAttempt) shouldLog() bool {
	return false
}

func (s *stubAttempt) pullStarted() {
	s.mu.Lock()
	s.pulling++
	s.mu.Unlock()
}

func (s *stubAttempt) pullFinished() {
	s.mu.Lock()
	s.pulling--
	s.mu.Unlock()
}

func (s *stubAttempt) incRequeued() {
	s.mu.Lock()
	s.requeued++
	s.mu.Unlock()
}

func (s *stubAttempt) processBlock(b ledger.Block, pull *PullInfo) error {
	s.mu.Lock()
	s.blocks = append(s.blocks, b)
	s.mu.Unlock()

	return nil
}

func (s *stubAttempt) pullSucceeded(pull *PullInfo) {
	s.mu.Lock()
	s.succeeded++
	s.mu.Unlock()
}

func (s *stubAttempt) pullExhausted(pull *PullInfo) {
	s.mu.Lock()
	s.exhausted = append(s.exhausted, *pull)
	s.mu.Unlock()
}

func (s *stubAttempt) receivedBlocks() []ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]ledger.Block(nil), s.blocks...)
}
