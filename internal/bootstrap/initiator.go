package bootstrap

import (
	"sync"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/network"
	"Strata/internal/processor"
)

// restartDelay separates a failed legacy attempt from its replacement.
const restartDelay = 50 * time.Millisecond

// Initiator owns the live bootstrap attempts: it schedules them, cancels
// them, and surfaces their state. At most one attempt per mode runs at a
// time.
type Initiator struct {
	cfg     Config
	store   *ledger.Store
	proc    *processor.Processor
	metrics *Metrics
	crawler RepCrawler

	cs *Connections

	mu        sync.Mutex
	nextID    uint64
	legacy    *LegacyAttempt
	lazy      *LazyAttempt
	wallet    *WalletLazyAttempt
	listeners []func(bool)
	stopped   bool

	wg sync.WaitGroup
}

// NewInitiator wires the bootstrap subsystem over the given collaborators.
func NewInitiator(
	cfg Config,
	node *network.Node,
	store *ledger.Store,
	proc *processor.Processor,
	crawler RepCrawler,
	metrics *Metrics,
) *Initiator {
	return &Initiator{
		cfg:     cfg,
		store:   store,
		proc:    proc,
		metrics: metrics,
		crawler: crawler,
		cs:      NewConnections(cfg, node, store, proc, metrics),
	}
}

// Start launches the pull workers.
func (i *Initiator) Start() {
	i.cs.Run()
}

// Stop cancels all attempts and shuts the pool down.
func (i *Initiator) Stop() {
	i.mu.Lock()
	i.stopped = true
	i.mu.Unlock()

	i.StopAttempts()
	i.cs.Stop()
	i.wg.Wait()
}

// Connections exposes the pool, for the server side and for tests.
func (i *Initiator) Connections() *Connections {
	return i.cs
}

// OnAttemptChange registers a listener notified when an attempt starts
// (true) or exits (false).
func (i *Initiator) OnAttemptChange(fn func(bool)) {
	i.mu.Lock()
	i.listeners = append(i.listeners, fn)
	i.mu.Unlock()
}

// Bootstrap starts a legacy attempt against the endpoint. Without force an
// already running legacy attempt coalesces the request. Returns whether a
// new attempt was dispatched.
func (i *Initiator) Bootstrap(endpoint string, force bool, id string) bool {
	return i.bootstrapLegacy(endpoint, force, id, AgeMax)
}

func (i *Initiator) bootstrapLegacy(endpoint string, force bool, id string, age uint32) bool {
	i.mu.Lock()

	if i.stopped {
		i.mu.Unlock()
		return false
	}

	if i.legacy != nil && !i.legacy.Stopped() {
		if !force {
			i.mu.Unlock()
			return false
		}

		running := i.legacy
		i.mu.Unlock()
		running.Stop()
		i.mu.Lock()
	}

	i.nextID++
	la := newLegacyAttempt(i.nextID, id, i.cfg, i.cs, i.store, i.proc, i.metrics, i.crawler, endpoint, age)
	la.onExit = func() { i.remove(la) }
	la.onUnconfirmed = func(age uint32, id string) { i.scheduleRestart(endpoint, id, age) }
	i.legacy = la
	i.mu.Unlock()

	if endpoint != "" {
		i.cs.AddSource(endpoint)
	}

	i.metrics.Initiated.WithLabelValues(ModeLegacy.String()).Inc()
	i.notifyListeners(true)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		la.run()
	}()

	return true
}

// scheduleRestart starts a replacement legacy attempt with an aged frontier
// window after a confirmation failure.
func (i *Initiator) scheduleRestart(endpoint, id string, age uint32) {
	time.AfterFunc(restartDelay, func() {
		i.mu.Lock()
		stopped := i.stopped
		i.mu.Unlock()

		if stopped {
			return
		}

		logger.Info("restarting bootstrap with aged frontiers", "age", age, "id", id)
		i.bootstrapLegacy(endpoint, true, id, age)
	})
}

// BootstrapLazy starts (or extends) a lazy attempt seeded at the hash.
// A confirmed seed is known cemented network-side, relaxing expiry. Returns
// whether a new attempt was dispatched.
func (i *Initiator) BootstrapLazy(seed ledger.Hash, force, confirmed bool, id string) bool {
	i.mu.Lock()

	if i.stopped {
		i.mu.Unlock()
		return false
	}

	if i.lazy != nil && !i.lazy.Stopped() {
		if !force {
			// Coalesce: feed the running walk.
			running := i.lazy
			i.mu.Unlock()
			running.addHash(seed)

			return false
		}

		running := i.lazy
		i.mu.Unlock()
		running.Stop()
		i.mu.Lock()
	}

	i.nextID++
	la := newLazyAttempt(i.nextID, id, ModeLazy, i.cfg, i.cs, i.store, i.proc, i.metrics)
	la.onExit = func() { i.remove(la) }
	i.lazy = la
	i.mu.Unlock()

	la.LazyStart(seed, confirmed)

	i.metrics.Initiated.WithLabelValues(ModeLazy.String()).Inc()
	i.notifyListeners(true)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		la.run()
	}()

	return true
}

// BootstrapWallet starts a wallet-lazy attempt over the given accounts of
// interest.
func (i *Initiator) BootstrapWallet(accounts []ledger.Account) bool {
	i.mu.Lock()

	if i.stopped || (i.wallet != nil && !i.wallet.Stopped()) {
		i.mu.Unlock()
		return false
	}

	i.nextID++
	wa := newWalletLazyAttempt(i.nextID, "", i.cfg, i.cs, i.store, i.proc, i.metrics, accounts)
	wa.onExit = func() { i.remove(wa) }
	i.wallet = wa
	i.mu.Unlock()

	i.metrics.Initiated.WithLabelValues(ModeWalletLazy.String()).Inc()
	i.notifyListeners(true)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		wa.run()
	}()

	return true
}

// CurrentAttempt returns the live legacy attempt, or nil.
func (i *Initiator) CurrentAttempt() *LegacyAttempt {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.legacy
}

// CurrentLazyAttempt returns the live lazy attempt, or nil.
func (i *Initiator) CurrentLazyAttempt() *LazyAttempt {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.lazy
}

// CurrentWalletAttempt returns the live wallet-lazy attempt, or nil.
func (i *Initiator) CurrentWalletAttempt() *WalletLazyAttempt {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.wallet
}

// InProgress reports whether any attempt is live.
func (i *Initiator) InProgress() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.legacy != nil || i.lazy != nil || i.wallet != nil
}

// StopAttempts signals all attempts to stop, evicts their pulls and closes
// their leased connections.
func (i *Initiator) StopAttempts() {
	i.mu.Lock()
	legacy, lazy, wallet := i.legacy, i.lazy, i.wallet
	i.mu.Unlock()

	if legacy != nil {
		legacy.Stop()
	}
	if lazy != nil {
		lazy.Stop()
	}
	if wallet != nil {
		wallet.Stop()
	}
}

// remove evicts a finished attempt from the registry.
func (i *Initiator) remove(a attempt) {
	i.mu.Lock()
	switch {
	case i.legacy != nil && i.legacy.ID() == a.ID():
		i.legacy = nil
	case i.lazy != nil && i.lazy.ID() == a.ID():
		i.lazy = nil
	case i.wallet != nil && i.wallet.ID() == a.ID():
		i.wallet = nil
	}
	i.mu.Unlock()

	i.notifyListeners(false)
}

// notifyListeners fans an attempt state change out to the listeners.
func (i *Initiator) notifyListeners(active bool) {
	i.mu.Lock()
	listeners := append(([]func(bool))(nil), i.listeners...)
	i.mu.Unlock()

	for _, fn := range listeners {
		fn(active)
	}
}
