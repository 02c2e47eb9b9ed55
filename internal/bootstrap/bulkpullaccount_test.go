package bootstrap

import (
	"io"
	"testing"

	"Strata/internal/ledger"
)

func seedPending(t *testing.T, store *ledger.Store, dest ledger.Account) {
	t.Helper()

	for i := byte(1); i <= 3; i++ {
		err := store.SetPending(
			ledger.PendingKey{Account: dest, Hash: ledger.Hash{i}},
			ledger.PendingInfo{Source: ledger.Account{0x30 + i%2}, Amount: ledger.AmountFromUint64(uint64(i) * 100)},
		)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBulkPullAccountTriples(t *testing.T) {
	store := openTestStore(t)
	dest := ledger.Account{0x20}
	seedPending(t, store, dest)

	srv, _ := testServer(t, store)
	clientEnd, serverEnd := pipe(t)
	go srv.HandleStream(serverEnd)

	req := BulkPullAccount{
		Account: dest,
		Minimum: ledger.AmountFromUint64(150),
		Flags:   PendingHashAmountSource,
	}
	if err := WriteBulkPullAccount(clientEnd, req); err != nil {
		t.Fatal(err)
	}

	var entries []PendingResult
	for {
		entry, done, err := readPendingEntry(clientEnd)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		if done {
			break
		}

		entries = append(entries, entry)
	}

	// Amounts 100, 200, 300 with minimum 150: two survive.
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	for _, e := range entries {
		if e.Amount.Cmp(req.Minimum) < 0 {
			t.Error("minimum amount filter leaked")
		}
		if e.Source.IsZero() {
			t.Error("source missing from triple")
		}
	}
}

func TestBulkPullAccountAddressOnly(t *testing.T) {
	store := openTestStore(t)
	dest := ledger.Account{0x21}
	seedPending(t, store, dest)

	srv, _ := testServer(t, store)
	clientEnd, serverEnd := pipe(t)
	go srv.HandleStream(serverEnd)

	req := BulkPullAccount{Account: dest, Flags: PendingAddressOnly}
	if err := WriteBulkPullAccount(clientEnd, req); err != nil {
		t.Fatal(err)
	}

	seen := make(map[ledger.Account]struct{})
	for {
		var addr ledger.Account
		if _, err := io.ReadFull(clientEnd, addr[:]); err != nil {
			t.Fatalf("read address: %v", err)
		}
		if addr.IsZero() {
			break
		}

		if _, dup := seen[addr]; dup {
			t.Fatal("duplicate source address emitted")
		}
		seen[addr] = struct{}{}
	}

	// Sources alternate between two addresses.
	if len(seen) != 2 {
		t.Fatalf("got %d unique sources, want 2", len(seen))
	}
}
