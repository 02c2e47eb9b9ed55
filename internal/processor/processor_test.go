package processor

import (
	"testing"
	"time"

	"Strata/internal/ledger"
)

// testChain builds blocks on a genesis-seeded store.
type testChain struct {
	t     *testing.T
	store *ledger.Store
	proc  *Processor
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()

	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.AddGenesis(ledger.DevGenesisBlock()); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	return &testChain{t: t, store: store, proc: New(store)}
}

func (c *testChain) apply(b ledger.Block) {
	c.t.Helper()
	c.proc.Add(b, ledger.Account{})
	c.proc.Flush()
}

func (c *testChain) mustHave(b ledger.Block) {
	c.t.Helper()

	has, err := c.store.HasBlock(b.Hash())
	if err != nil || !has {
		c.t.Fatalf("block %s (%s) not committed", b.Hash(), b.Type())
	}
}

func (c *testChain) balance(a ledger.Account) uint64 {
	c.t.Helper()

	info, err := c.store.AccountInfo(a)
	if err != nil || info == nil {
		c.t.Fatalf("account %s missing", a)
	}

	return info.Balance.Uint64()
}

func genesisInfo(t *testing.T, store *ledger.Store) *ledger.AccountInfo {
	t.Helper()

	info, err := store.AccountInfo(ledger.DevGenesisAccount)
	if err != nil || info == nil {
		t.Fatalf("genesis info: %v", err)
	}

	return info
}

func TestProcessorSendOpenReceive(t *testing.T) {
	c := newTestChain(t)
	other := ledger.Account{0xAB}

	gen := genesisInfo(t, c.store)
	remaining, _ := ledger.MaxAmount.Sub(ledger.AmountFromUint64(100))

	send := &ledger.SendBlock{Prev: gen.Head, Destination: other, Bal: remaining}
	c.apply(send)
	c.mustHave(send)

	open := &ledger.OpenBlock{Source: send.Hash(), Representative: other, Owner: other}
	c.apply(open)
	c.mustHave(open)

	if got := c.balance(other); got != 100 {
		t.Fatalf("opened balance = %d, want 100", got)
	}

	if w, _ := c.store.Weight(other); w.Uint64() != 100 {
		t.Fatalf("weight not delegated on open")
	}

	// The pending entry must be claimed.
	if p, _ := c.store.Pending(ledger.PendingKey{Account: other, Hash: send.Hash()}); p != nil {
		t.Fatal("claimed pending still present")
	}
}

func TestProcessorOutOfOrder(t *testing.T) {
	c := newTestChain(t)
	other := ledger.Account{0xCD}

	gen := genesisInfo(t, c.store)
	bal1, _ := ledger.MaxAmount.Sub(ledger.AmountFromUint64(40))
	send1 := &ledger.SendBlock{Prev: gen.Head, Destination: other, Bal: bal1}
	bal2, _ := bal1.Sub(ledger.AmountFromUint64(60))
	send2 := &ledger.SendBlock{Prev: send1.Hash(), Destination: other, Bal: bal2}

	// Newest first, as a bulk pull would deliver them.
	c.proc.Add(send2, ledger.Account{})
	c.proc.Add(send1, ledger.Account{})
	c.proc.Flush()

	c.mustHave(send1)
	c.mustHave(send2)

	if got := genesisInfo(t, c.store).Head; got != send2.Hash() {
		t.Fatalf("head = %s, want %s", got, send2.Hash())
	}
}

func TestProcessorStateChain(t *testing.T) {
	c := newTestChain(t)
	other := ledger.Account{0xEF}

	gen := genesisInfo(t, c.store)
	remaining, _ := ledger.MaxAmount.Sub(ledger.AmountFromUint64(250))

	// State send from genesis.
	send := &ledger.StateBlock{
		Owner:          ledger.DevGenesisAccount,
		Prev:           gen.Head,
		Representative: gen.Representative,
		Bal:            remaining,
		LinkField:      other.Hash(),
	}
	c.apply(send)
	c.mustHave(send)

	// State open on the destination.
	open := &ledger.StateBlock{
		Owner:          other,
		Representative: other,
		Bal:            ledger.AmountFromUint64(250),
		LinkField:      send.Hash(),
	}
	c.apply(open)
	c.mustHave(open)

	if got := c.balance(other); got != 250 {
		t.Fatalf("balance = %d, want 250", got)
	}
	if w, _ := c.store.Weight(other); w.Uint64() != 250 {
		t.Fatal("state open did not delegate weight")
	}

	// Receive amount mismatch must be rejected.
	c2 := newTestChain(t)
	gen2 := genesisInfo(t, c2.store)
	send2 := &ledger.StateBlock{
		Owner:          ledger.DevGenesisAccount,
		Prev:           gen2.Head,
		Representative: gen2.Representative,
		Bal:            remaining,
		LinkField:      other.Hash(),
	}
	c2.apply(send2)

	badOpen := &ledger.StateBlock{
		Owner:          other,
		Representative: other,
		Bal:            ledger.AmountFromUint64(999),
		LinkField:      send2.Hash(),
	}
	c2.apply(badOpen)
	if has, _ := c2.store.HasBlock(badOpen.Hash()); has {
		t.Fatal("mismatched open must not commit")
	}
}

func TestProcessorOldBlockIgnored(t *testing.T) {
	c := newTestChain(t)

	gen := ledger.DevGenesisBlock()
	c.apply(gen)

	// Still exactly one block for the account.
	if got := genesisInfo(t, c.store).BlockCount; got != 1 {
		t.Fatalf("block count = %d, want 1", got)
	}
}

func TestProcessorBackgroundWorker(t *testing.T) {
	c := newTestChain(t)
	c.proc.Start()
	defer c.proc.Stop()

	gen := genesisInfo(t, c.store)
	remaining, _ := ledger.MaxAmount.Sub(ledger.AmountFromUint64(5))
	send := &ledger.SendBlock{Prev: gen.Head, Destination: ledger.Account{1}, Bal: remaining}

	committed := make(chan ledger.Block, 1)
	c.proc.OnCommit(func(b ledger.Block) { committed <- b })

	c.proc.Add(send, ledger.Account{})

	select {
	case b := <-committed:
		if b.Hash() != send.Hash() {
			t.Fatal("wrong block committed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not commit the block")
	}
}
