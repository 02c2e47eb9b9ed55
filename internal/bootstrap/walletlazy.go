package bootstrap

import (
	"sync"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/processor"
)

// WalletLazyAttempt is a lazy walk seeded from accounts of interest: known
// accounts are re-pulled from the peer's view, unknown accounts are seeded
// through a pending-receivables scan.
type WalletLazyAttempt struct {
	LazyAttempt

	wmu      sync.Mutex
	accounts []ledger.Account
	retries  map[ledger.Account]int
}

func newWalletLazyAttempt(
	id uint64,
	bootstrapID string,
	cfg Config,
	cs *Connections,
	store *ledger.Store,
	proc *processor.Processor,
	metrics *Metrics,
	accounts []ledger.Account,
) *WalletLazyAttempt {
	wa := &WalletLazyAttempt{
		LazyAttempt: *newLazyAttempt(id, bootstrapID, ModeWalletLazy, cfg, cs, store, proc, metrics),
	}
	wa.accounts = append(wa.accounts, accounts...)
	wa.retries = make(map[ledger.Account]int)
	wa.deadline = time.Now().Add(lazyExpiryConfirmed)

	return wa
}

// WalletSize returns the number of accounts still waiting to be seeded.
func (wa *WalletLazyAttempt) WalletSize() int {
	wa.wmu.Lock()
	defer wa.wmu.Unlock()

	return len(wa.accounts)
}

// run seeds the walk from each wallet account, then drains it with the lazy
// engine.
func (wa *WalletLazyAttempt) run() {
	for !wa.Stopped() {
		account, ok := wa.popAccount()
		if !ok {
			break
		}

		info, err := wa.store.AccountInfo(account)
		if err != nil {
			logger.Error("wallet account lookup", "account", account, "error", err)
			continue
		}

		if info != nil {
			// The chain exists locally; pull the peer's newer view.
			wa.cs.AddPull(wa, PullInfo{
				Account:     account,
				End:         info.Head,
				Count:       lazyMaxPullCount,
				RetryLimit:  lazyRetryLimit,
				BootstrapID: wa.bootstrapID,
			})

			continue
		}

		wa.requestPending(account)
	}

	wa.LazyAttempt.run()
}

// popAccount takes the next wallet account.
func (wa *WalletLazyAttempt) popAccount() (ledger.Account, bool) {
	wa.wmu.Lock()
	defer wa.wmu.Unlock()

	if len(wa.accounts) == 0 {
		return ledger.Account{}, false
	}

	account := wa.accounts[0]
	wa.accounts = wa.accounts[1:]

	return account, true
}

// requestPending scans the peer's pending index for the account and seeds
// the walk with every funding send hash.
func (wa *WalletLazyAttempt) requestPending(account ledger.Account) {
	c, err := wa.cs.Lease(wa, "")
	if err != nil {
		return
	}

	results, err := wa.cs.runBulkPullAccount(c, wa, account, ledger.Amount{})
	wa.cs.Release(c, err != nil)

	if err != nil {
		logger.Debug("pending scan failed", "account", account, "error", err)
		wa.requeuePending(account)

		return
	}

	for _, r := range results {
		wa.addHash(r.Hash)
	}
}

// requeuePending retries a failed pending scan later, within the retry
// budget.
func (wa *WalletLazyAttempt) requeuePending(account ledger.Account) {
	wa.wmu.Lock()
	defer wa.wmu.Unlock()

	wa.retries[account]++
	if wa.retries[account] >= lazyRetryLimit {
		wa.metrics.PullFailed.Inc()
		return
	}

	wa.accounts = append(wa.accounts, account)
}
