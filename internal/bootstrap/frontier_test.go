package bootstrap

import (
	"errors"
	"testing"

	"Strata/internal/ledger"
	"Strata/internal/processor"
)

// collectFrontiers serves one frontier_req and returns the emitted pairs,
// terminator excluded.
func collectFrontiers(t *testing.T, store *ledger.Store, req FrontierReq) []frontierPair {
	t.Helper()

	srv, _ := testServer(t, store)
	clientEnd, serverEnd := pipe(t)

	go srv.HandleStream(serverEnd)

	if err := WriteFrontierReq(clientEnd, req); err != nil {
		t.Fatalf("send request: %v", err)
	}

	var pairs []frontierPair
	for {
		pair, err := readFrontierPair(clientEnd)
		if err != nil {
			t.Fatalf("read pair: %v", err)
		}
		if pair.isTerminator() {
			return pairs
		}

		pairs = append(pairs, pair)
	}
}

func TestFrontierServerEnumeratesAll(t *testing.T) {
	store := openTestStore(t)
	sendFromGenesis(t, store, ledger.Account{0x01}, 5)

	// Open a few extra accounts by hand.
	for _, a := range []ledger.Account{{0x10}, {0x02}, {0xF0}} {
		if err := store.SetAccountInfo(a, ledger.AccountInfo{Head: ledger.Hash(a), BlockCount: 1}); err != nil {
			t.Fatal(err)
		}
	}

	pairs := collectFrontiers(t, store, FrontierReq{Age: AgeMax, Count: CountMax})

	if len(pairs) != 4 { // genesis + three extras
		t.Fatalf("got %d pairs, want 4", len(pairs))
	}

	for i := 1; i < len(pairs); i++ {
		if pairs[i-1].account.Cmp(pairs[i].account) >= 0 {
			t.Fatal("frontier stream not strictly ascending")
		}
	}

	// First emitted account is the numerically smallest.
	smallest := pairs[0].account
	for _, p := range pairs[1:] {
		if p.account.Cmp(smallest) < 0 {
			t.Fatal("first pair is not the smallest account")
		}
	}
}

func TestFrontierServerCountCap(t *testing.T) {
	store := openTestStore(t)
	for i := byte(1); i <= 5; i++ {
		store.SetAccountInfo(ledger.Account{i}, ledger.AccountInfo{Head: ledger.Hash{i}})
	}

	pairs := collectFrontiers(t, store, FrontierReq{Age: AgeMax, Count: 3})
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
}

func TestFrontierServerStart(t *testing.T) {
	store := openTestStore(t)
	for i := byte(1); i <= 4; i++ {
		store.SetAccountInfo(ledger.Account{i}, ledger.AccountInfo{Head: ledger.Hash{i}})
	}

	pairs := collectFrontiers(t, store, FrontierReq{Start: ledger.Account{3}, Age: AgeMax, Count: CountMax})

	for _, p := range pairs {
		if p.account.Cmp(ledger.Account{3}) < 0 {
			t.Fatal("server emitted an account below start")
		}
	}
}

// newFrontierTestAttempt builds a legacy attempt not yet running, for
// driving the frontier client directly.
func newFrontierTestAttempt(t *testing.T, store *ledger.Store) (*LegacyAttempt, *Connections) {
	t.Helper()

	proc := processor.New(store)
	cs := NewConnections(testConfig(), nil, store, proc, NopMetrics())

	return newLegacyAttempt(1, "test", testConfig(), cs, store, proc, NopMetrics(), nil, "", AgeMax), cs
}

func TestFrontierClientDivergences(t *testing.T) {
	store := openTestStore(t)
	la, _ := newFrontierTestAttempt(t, store)

	clientEnd, serverEnd := pipe(t)

	genesis := genesisHead(t, store)
	peerGenesisHead := ledger.Hash{0xAA} // peer is ahead on the genesis chain
	unknownAccount := ledger.Account{0xBB}
	unknownHead := ledger.Hash{0xBC}

	// Script the peer side: it knows the genesis account (different head)
	// and one account we lack; terminator follows.
	done := make(chan error, 1)
	go func() {
		if _, _, err := readHeader(serverEnd); err != nil {
			done <- err
			return
		}
		if _, err := readFrontierReq(serverEnd); err != nil {
			done <- err
			return
		}

		pairs := []frontierPair{
			{account: ledger.DevGenesisAccount, frontier: peerGenesisHead},
			{account: unknownAccount, frontier: unknownHead},
		}
		if unknownAccount.Cmp(ledger.DevGenesisAccount) < 0 {
			pairs[0], pairs[1] = pairs[1], pairs[0]
		}

		for _, p := range pairs {
			if err := writeFrontierPair(serverEnd, p); err != nil {
				done <- err
				return
			}
		}

		done <- writeFrontierPair(serverEnd, frontierPair{})
	}()

	if err := runFrontierClient(testConfig(), clientEnd, store, la, AgeMax); err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server script: %v", err)
	}

	la.lmu.Lock()
	pulls := append([]PullInfo(nil), la.frontierPulls...)
	la.lmu.Unlock()

	if len(pulls) != 2 {
		t.Fatalf("got %d pulls, want 2", len(pulls))
	}

	for _, p := range pulls {
		switch p.Account {
		case ledger.DevGenesisAccount:
			if p.Head != peerGenesisHead || p.End != genesis {
				t.Errorf("genesis pull bounds wrong: %+v", p)
			}
		case unknownAccount:
			if p.Head != unknownHead || !p.End.IsZero() {
				t.Errorf("unknown-account pull bounds wrong: %+v", p)
			}
		default:
			t.Errorf("unexpected pull for %s", p.Account)
		}
	}
}

func TestFrontierClientRejectsOutOfOrder(t *testing.T) {
	store := openTestStore(t)
	la, _ := newFrontierTestAttempt(t, store)

	clientEnd, serverEnd := pipe(t)

	go func() {
		readHeader(serverEnd)
		readFrontierReq(serverEnd)
		writeFrontierPair(serverEnd, frontierPair{account: ledger.Account{9}, frontier: ledger.Hash{1}})
		writeFrontierPair(serverEnd, frontierPair{account: ledger.Account{3}, frontier: ledger.Hash{2}})
	}()

	err := runFrontierClient(testConfig(), clientEnd, store, la, AgeMax)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestFrontierClientRecordsPushTargets(t *testing.T) {
	store := openTestStore(t)
	la, _ := newFrontierTestAttempt(t, store)

	clientEnd, serverEnd := pipe(t)
	genesis := genesisHead(t, store)

	// The peer knows nothing: terminator right away. The local genesis
	// chain becomes an unsynced record for bulk push.
	go func() {
		readHeader(serverEnd)
		readFrontierReq(serverEnd)
		writeFrontierPair(serverEnd, frontierPair{})
	}()

	if err := runFrontierClient(testConfig(), clientEnd, store, la, AgeMax); err != nil {
		t.Fatalf("client: %v", err)
	}

	target, ok := la.takeBulkPushTarget()
	if !ok {
		t.Fatal("no push target recorded")
	}
	if target.head != genesis || !target.end.IsZero() {
		t.Errorf("push target = %+v, want head=%s end=0", target, genesis)
	}
}
