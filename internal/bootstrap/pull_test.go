package bootstrap

import (
	"testing"
	"time"

	"Strata/internal/ledger"
)

func TestPullQueueOrdering(t *testing.T) {
	q := newPullQueue()
	a := &stubAttempt{id: 1}

	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{1}, AttemptID: 1}, attempt: a})
	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{2}, AttemptID: 1}, attempt: a})

	// A requeue jumps the line.
	q.pushFront(queuedPull{pull: PullInfo{Head: ledger.Hash{9}, AttemptID: 1}, attempt: a})

	want := []byte{9, 1, 2}
	for _, b := range want {
		item, ok := q.popWait()
		if !ok {
			t.Fatal("queue closed early")
		}
		if item.pull.Head != (ledger.Hash{b}) {
			t.Fatalf("got %v, want head %d", item.pull.Head, b)
		}
	}

	if q.size() != 0 {
		t.Fatal("queue not drained")
	}
}

func TestPullQueueClearForAttempt(t *testing.T) {
	q := newPullQueue()
	a1 := &stubAttempt{id: 1}
	a2 := &stubAttempt{id: 2}

	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{1}, AttemptID: 1}, attempt: a1})
	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{2}, AttemptID: 2}, attempt: a2})
	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{3}, AttemptID: 1}, attempt: a1})

	evicted := q.clearForAttempt(1)
	if len(evicted) != 2 {
		t.Fatalf("evicted %d, want 2", len(evicted))
	}
	if q.size() != 1 {
		t.Fatalf("remaining %d, want 1", q.size())
	}

	item, _ := q.popWait()
	if item.pull.AttemptID != 2 {
		t.Fatal("wrong attempt survived eviction")
	}
}

func TestPullQueuePopWaitBlocksUntilPush(t *testing.T) {
	q := newPullQueue()
	a := &stubAttempt{id: 1}

	got := make(chan queuedPull, 1)
	go func() {
		item, ok := q.popWait()
		if ok {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{5}, AttemptID: 1}, attempt: a})

	select {
	case item := <-got:
		if item.pull.Head != (ledger.Hash{5}) {
			t.Fatal("wrong item delivered")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("popWait did not wake")
	}
}

func TestPullQueueCloseWakesWaiters(t *testing.T) {
	q := newPullQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.popWait()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("closed queue must report no item")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake waiter")
	}
}

func TestPullQueueSnapshotHeads(t *testing.T) {
	q := newPullQueue()
	a := &stubAttempt{id: 1}

	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{1}, AttemptID: 1}, attempt: a})
	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{1}, AttemptID: 1}, attempt: a}) // duplicate
	q.pushBack(queuedPull{pull: PullInfo{Head: ledger.Hash{2}, AttemptID: 2}, attempt: a}) // other attempt
	q.pushBack(queuedPull{pull: PullInfo{AttemptID: 1}, attempt: a})                       // zero head

	heads := q.snapshotHeads(1, 10)
	if len(heads) != 1 || heads[0] != (ledger.Hash{1}) {
		t.Fatalf("heads = %v, want exactly hash 1", heads)
	}
}

func TestExcludedPeersTwoStrikes(t *testing.T) {
	e := NewExcludedPeers()
	endpoint := "192.0.2.1:7075"

	if e.IsExcluded(endpoint) {
		t.Fatal("fresh endpoint must not be excluded")
	}

	e.Add(endpoint)
	if e.IsExcluded(endpoint) {
		t.Fatal("one strike must not ban")
	}

	e.Add(endpoint)
	if !e.IsExcluded(endpoint) {
		t.Fatal("two strikes must ban")
	}

	e.Remove(endpoint)
	if e.IsExcluded(endpoint) {
		t.Fatal("removal must lift the ban")
	}
}
