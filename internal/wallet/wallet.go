// Package wallet tracks the accounts of interest that seed wallet-lazy
// bootstrap. Key management lives elsewhere; this is only the account set.
package wallet

import (
	"sort"
	"sync"

	"Strata/internal/ledger"
)

// Wallet is a concurrency-safe set of watched accounts.
type Wallet struct {
	mu       sync.RWMutex
	accounts map[ledger.Account]struct{}
}

// New creates an empty wallet.
func New() *Wallet {
	return &Wallet{accounts: make(map[ledger.Account]struct{})}
}

// Add registers an account of interest.
func (w *Wallet) Add(a ledger.Account) {
	w.mu.Lock()
	w.accounts[a] = struct{}{}
	w.mu.Unlock()
}

// Remove drops an account.
func (w *Wallet) Remove(a ledger.Account) {
	w.mu.Lock()
	delete(w.accounts, a)
	w.mu.Unlock()
}

// Contains reports whether the account is watched.
func (w *Wallet) Contains(a ledger.Account) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	_, ok := w.accounts[a]

	return ok
}

// Accounts returns the watched accounts in ascending order.
func (w *Wallet) Accounts() []ledger.Account {
	w.mu.RLock()
	accounts := make([]ledger.Account, 0, len(w.accounts))
	for a := range w.accounts {
		accounts = append(accounts, a)
	}
	w.mu.RUnlock()

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Cmp(accounts[j]) < 0
	})

	return accounts
}

// Len returns the number of watched accounts.
func (w *Wallet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.accounts)
}
