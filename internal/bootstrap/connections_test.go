package bootstrap

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"Strata/internal/ledger"
	"Strata/internal/processor"
)

func newTestConnections(t *testing.T) (*Connections, *Metrics) {
	t.Helper()

	store := openTestStore(t)
	metrics := NopMetrics()
	cs := NewConnections(testConfig(), nil, store, processor.New(store), metrics)

	return cs, metrics
}

func TestRequeuePullRetriesThenExhausts(t *testing.T) {
	cs, metrics := newTestConnections(t)
	a := &stubAttempt{id: 1}

	a.pullStarted()
	pull := PullInfo{
		Head:         ledger.Hash{1},
		HeadOriginal: ledger.Hash{1},
		RetryLimit:   2,
		AttemptID:    1,
	}

	cs.requeuePull(a, pull, errors.New("socket reset"))

	if a.requeued != 1 {
		t.Fatalf("requeued = %d, want 1", a.requeued)
	}
	if cs.queue.size() != 1 {
		t.Fatal("failed pull not requeued")
	}

	item, _ := cs.queue.popWait()
	cs.requeuePull(a, item.pull, errors.New("socket reset"))

	if len(a.exhausted) != 1 {
		t.Fatalf("exhausted = %d, want 1", len(a.exhausted))
	}
	if a.pulling != 0 {
		t.Fatalf("pulling = %d, want 0 after exhaustion", a.pulling)
	}
	if got := testutil.ToFloat64(metrics.PullFailed); got != 1 {
		t.Fatalf("pull_failed counter = %v, want 1", got)
	}
}

func TestRequeuePullStoppedAttempt(t *testing.T) {
	cs, _ := newTestConnections(t)
	a := &stubAttempt{id: 1}
	a.stopped.Store(true)

	a.pullStarted()
	cs.requeuePull(a, PullInfo{Head: ledger.Hash{1}, RetryLimit: 8}, errors.New("any"))

	if cs.queue.size() != 0 {
		t.Fatal("stopped attempt's pull must not requeue")
	}
	if a.pulling != 0 {
		t.Fatal("pulling count leaked on stopped attempt")
	}
}

func TestLeaseAfterStop(t *testing.T) {
	cs, _ := newTestConnections(t)
	cs.Stop()

	if _, err := cs.Lease(&stubAttempt{id: 1}, ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestAddPullTracksAttempt(t *testing.T) {
	cs, _ := newTestConnections(t)
	a := &stubAttempt{id: 7}

	cs.AddPull(a, PullInfo{Head: ledger.Hash{1}})

	if a.pulling != 1 {
		t.Fatal("AddPull must count the pull")
	}

	item, _ := cs.queue.popWait()
	if item.pull.AttemptID != 7 {
		t.Fatal("attempt id not stamped")
	}
	if item.pull.HeadOriginal != item.pull.Head {
		t.Fatal("original head not preserved")
	}
}

func TestClearPullsEvictsAndUncounts(t *testing.T) {
	cs, _ := newTestConnections(t)
	a := &stubAttempt{id: 3}

	cs.AddPull(a, PullInfo{Head: ledger.Hash{1}})
	cs.AddPull(a, PullInfo{Head: ledger.Hash{2}})

	cs.ClearPulls(a)

	if cs.queue.size() != 0 {
		t.Fatal("queued pulls survived eviction")
	}
	if a.pulling != 0 {
		t.Fatalf("pulling = %d, want 0 after eviction", a.pulling)
	}
}
