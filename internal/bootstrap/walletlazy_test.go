package bootstrap

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"Strata/internal/ledger"
	"Strata/internal/processor"
)

func newTestWalletAttempt(t *testing.T, accounts []ledger.Account) (*WalletLazyAttempt, *Metrics) {
	t.Helper()

	store := openTestStore(t)
	proc := processor.New(store)
	metrics := NopMetrics()
	cs := NewConnections(testConfig(), nil, store, proc, metrics)

	return newWalletLazyAttempt(1, "", testConfig(), cs, store, proc, metrics, accounts), metrics
}

func TestWalletLazyAccountQueue(t *testing.T) {
	accounts := []ledger.Account{{1}, {2}}
	wa, _ := newTestWalletAttempt(t, accounts)

	if wa.WalletSize() != 2 {
		t.Fatalf("wallet size = %d, want 2", wa.WalletSize())
	}
	if wa.Mode() != ModeWalletLazy {
		t.Fatalf("mode = %s", wa.Mode())
	}

	first, ok := wa.popAccount()
	if !ok || first != accounts[0] {
		t.Fatal("accounts must drain in order")
	}
	if wa.WalletSize() != 1 {
		t.Fatal("pop did not shrink the queue")
	}
}

func TestWalletLazyPendingRetryBudget(t *testing.T) {
	account := ledger.Account{7}
	wa, metrics := newTestWalletAttempt(t, nil)

	// Repeated scan failures consume the retry budget, then the account is
	// dropped and counted as a failed pull.
	for i := 0; i < lazyRetryLimit; i++ {
		wa.requeuePending(account)
	}

	if wa.WalletSize() != lazyRetryLimit-1 {
		t.Fatalf("wallet size = %d, want %d", wa.WalletSize(), lazyRetryLimit-1)
	}
	if got := testutil.ToFloat64(metrics.PullFailed); got != 1 {
		t.Fatalf("pull_failed = %v, want 1", got)
	}
}
