package bootstrap

import (
	"sync"
	"sync/atomic"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/processor"
)

// stateBacklogEntry is a state block whose send/receive nature cannot be
// decided until its previous block's balance is known.
type stateBacklogEntry struct {
	hash    ledger.Hash
	link    ledger.Hash
	balance ledger.Amount
}

// LazyAttempt walks block dependencies recursively from seed hashes,
// pulling every unknown predecessor and receive source it discovers.
type LazyAttempt struct {
	baseAttempt

	cfg     Config
	metrics *Metrics

	lmu          sync.Mutex
	pending      map[ledger.Hash]struct{}
	processed    map[ledger.Hash]struct{}
	balances     map[ledger.Hash]ledger.Amount
	backlog      map[ledger.Hash][]stateBacklogEntry
	stateUnknown map[ledger.Hash]struct{}
	destinations map[ledger.Account]struct{}
	destsFlushed bool

	confirmed bool
	deadline  time.Time
	expired   atomic.Bool
}

func newLazyAttempt(
	id uint64,
	bootstrapID string,
	mode Mode,
	cfg Config,
	cs *Connections,
	store *ledger.Store,
	proc *processor.Processor,
	metrics *Metrics,
) *LazyAttempt {
	return &LazyAttempt{
		baseAttempt:  newBaseAttempt(id, bootstrapID, mode, cs, store, proc),
		cfg:          cfg,
		metrics:      metrics,
		pending:      make(map[ledger.Hash]struct{}),
		processed:    make(map[ledger.Hash]struct{}),
		balances:     make(map[ledger.Hash]ledger.Amount),
		backlog:      make(map[ledger.Hash][]stateBacklogEntry),
		stateUnknown: make(map[ledger.Hash]struct{}),
		destinations: make(map[ledger.Account]struct{}),
	}
}

// LazyStart seeds the attempt. A confirmed seed is known cemented
// network-side, which relaxes the expiry clock.
func (la *LazyAttempt) LazyStart(seed ledger.Hash, confirmed bool) {
	la.lmu.Lock()
	la.confirmed = confirmed
	la.lmu.Unlock()

	expiry := lazyExpiryUnconfirmed
	if confirmed {
		expiry = lazyExpiryConfirmed
	}
	la.deadline = time.Now().Add(expiry)

	la.addHash(seed)
}

// Stop cancels the attempt: pending pulls are evicted and leased
// connections are closed.
func (la *LazyAttempt) Stop() {
	if la.markStopped() {
		la.cs.ClearPulls(la)
	}
}

// PendingCount returns the number of hashes awaiting a pull.
func (la *LazyAttempt) PendingCount() int {
	la.lmu.Lock()
	defer la.lmu.Unlock()

	return len(la.pending)
}

// ProcessedOrExists reports whether the hash was already handled by this
// attempt or is known to the ledger.
func (la *LazyAttempt) ProcessedOrExists(h ledger.Hash) bool {
	la.lmu.Lock()
	_, done := la.processed[h]
	la.lmu.Unlock()

	if done {
		return true
	}

	exists, _ := la.store.BlockOrPrunedExists(h)

	return exists
}

// run drains pending hashes in batches until the walk closes, the block
// budget is spent, or the expiry clock elapses.
func (la *LazyAttempt) run() {
	defer la.finish()

	if la.deadline.IsZero() {
		la.deadline = time.Now().Add(lazyExpiryUnconfirmed)
	}

	timer := time.AfterFunc(time.Until(la.deadline), func() {
		la.expired.Store(true)
		la.cond.Broadcast()
	})
	defer timer.Stop()

	for !la.Stopped() && !la.expired.Load() {
		batch := la.takeBatch(lazyBatchSize)

		for _, h := range batch {
			la.cs.AddPull(la, PullInfo{
				Head:        h,
				Count:       lazyMaxPullCount,
				RetryLimit:  lazyRetryLimit,
				BootstrapID: la.bootstrapID,
			})
		}

		la.mu.Lock()
		la.waitPullsLocked(func() bool { return la.expired.Load() })
		la.mu.Unlock()

		if la.Stopped() || la.expired.Load() {
			break
		}

		// Committing parked blocks may settle backlog entries.
		la.proc.Flush()
		la.resolveBacklogAgainstLedger()

		if la.PendingCount() == 0 {
			if la.flushDestinations() {
				continue
			}

			break
		}
	}

	la.reportUnresolved()
	la.Stop()
}

// takeBatch pops up to max pending hashes that are still unknown.
func (la *LazyAttempt) takeBatch(max int) []ledger.Hash {
	la.lmu.Lock()
	candidates := make([]ledger.Hash, 0, max)
	for h := range la.pending {
		if len(candidates) >= max {
			break
		}

		candidates = append(candidates, h)
	}

	for _, h := range candidates {
		delete(la.pending, h)
	}
	la.lmu.Unlock()

	batch := candidates[:0]
	for _, h := range candidates {
		if exists, _ := la.store.BlockOrPrunedExists(h); exists {
			continue
		}

		batch = append(batch, h)
	}

	return batch
}

// addHash registers an unknown hash for pulling. Already processed or
// ledger-known hashes are suppressed.
func (la *LazyAttempt) addHash(h ledger.Hash) {
	if h.IsZero() {
		return
	}

	la.lmu.Lock()
	_, done := la.processed[h]
	_, queued := la.pending[h]
	la.lmu.Unlock()

	if done || queued {
		return
	}

	if exists, _ := la.store.BlockOrPrunedExists(h); exists {
		return
	}

	la.lmu.Lock()
	la.pending[h] = struct{}{}
	la.lmu.Unlock()
	la.cond.Broadcast()
}

// processBlock forwards the block and extends the walk with its
// dependencies.
func (la *LazyAttempt) processBlock(blk ledger.Block, pull *PullInfo) error {
	h := blk.Hash()

	la.lmu.Lock()
	if _, dup := la.processed[h]; dup {
		la.lmu.Unlock()
		return nil
	}

	la.processed[h] = struct{}{}
	delete(la.pending, h)
	la.lmu.Unlock()

	// A block the ledger already holds ends this branch of the walk; its
	// dependencies are local by induction.
	if exists, _ := la.store.BlockOrPrunedExists(h); exists {
		return nil
	}

	la.lmu.Lock()

	if bal, ok := blk.Balance(); ok {
		la.balances[h] = bal
	}

	overLimit := len(la.processed) >= lazyMaxBlocks
	la.lmu.Unlock()

	if overLimit {
		logger.Warn("lazy block limit reached", "id", la.bootstrapID)
		la.Stop()

		return ErrStopped
	}

	if err := la.baseAttempt.processBlock(blk, pull); err != nil {
		return err
	}

	la.walk(blk, h)
	la.resolveBacklog(h)

	return nil
}

// walk inspects one block and queues its unknown dependencies.
func (la *LazyAttempt) walk(blk ledger.Block, h ledger.Hash) {
	if prev := blk.Previous(); !prev.IsZero() {
		la.addHash(prev)
	}

	switch b := blk.(type) {
	case *ledger.StateBlock:
		la.walkState(b, h)
	case *ledger.SendBlock:
		la.addDestination(b.Destination)
	case *ledger.ReceiveBlock:
		la.addHash(b.Source)
	case *ledger.OpenBlock:
		la.addHash(b.Source)
	}
}

// walkState handles the state-block link ambiguity: a link is a receive
// source unless the balance provably decreased, in which case it is a send
// destination. Without the previous balance the decision is parked.
func (la *LazyAttempt) walkState(b *ledger.StateBlock, h ledger.Hash) {
	link := b.Link()
	if link.IsZero() {
		return
	}

	prev := b.Previous()
	if prev.IsZero() {
		// Opening a new account: the link is the funding source.
		la.addHash(link)
		return
	}

	prevBalance, ok := la.balanceOf(prev)
	if !ok {
		la.lmu.Lock()
		la.backlog[prev] = append(la.backlog[prev], stateBacklogEntry{hash: h, link: link, balance: b.Bal})
		la.stateUnknown[h] = struct{}{}
		la.lmu.Unlock()

		return
	}

	la.resolveState(b.Bal, prevBalance, link)
}

// resolveState routes a decided state link.
func (la *LazyAttempt) resolveState(balance, prevBalance ledger.Amount, link ledger.Hash) {
	if balance.Cmp(prevBalance) < 0 {
		la.addDestination(ledger.Account(link))
	} else {
		la.addHash(link)
	}
}

// resolveBacklog settles parked state blocks whose previous is h.
func (la *LazyAttempt) resolveBacklog(h ledger.Hash) {
	la.lmu.Lock()
	entries := la.backlog[h]
	delete(la.backlog, h)

	prevBalance, ok := la.balances[h]
	if !ok {
		// The parent carries no balance (legacy receive or open); its
		// children remain undecidable here.
		la.lmu.Unlock()

		return
	}

	for _, e := range entries {
		delete(la.stateUnknown, e.hash)
	}
	la.lmu.Unlock()

	for _, e := range entries {
		la.resolveState(e.balance, prevBalance, e.link)
	}
}

// resolveBacklogAgainstLedger retries parked entries whose previous block
// committed meanwhile with a readable balance.
func (la *LazyAttempt) resolveBacklogAgainstLedger() {
	la.lmu.Lock()
	parents := make([]ledger.Hash, 0, len(la.backlog))
	for prev := range la.backlog {
		parents = append(parents, prev)
	}
	la.lmu.Unlock()

	for _, prev := range parents {
		if _, ok := la.balanceOf(prev); ok {
			la.resolveBacklog(prev)
		}
	}
}

// balanceOf returns the balance after the given block, from the walk's own
// hints or from the stored block.
func (la *LazyAttempt) balanceOf(h ledger.Hash) (ledger.Amount, bool) {
	la.lmu.Lock()
	bal, ok := la.balances[h]
	la.lmu.Unlock()

	if ok {
		return bal, true
	}

	blk, err := la.store.Block(h)
	if err != nil || blk == nil {
		return ledger.Amount{}, false
	}

	bal, ok = blk.Balance()
	if ok {
		la.lmu.Lock()
		la.balances[h] = bal
		la.lmu.Unlock()
	}

	return bal, ok
}

// addDestination records a send target account for the optional
// destinations scan.
func (la *LazyAttempt) addDestination(a ledger.Account) {
	if a.IsZero() {
		return
	}

	la.lmu.Lock()
	la.destinations[a] = struct{}{}
	la.lmu.Unlock()
}

// flushDestinations converts discovered destination accounts into account
// pulls, once. Mandatory for confirmed seeds, optional otherwise.
func (la *LazyAttempt) flushDestinations() bool {
	la.lmu.Lock()
	if la.destsFlushed || (!la.confirmed && !la.cfg.LazyDestinationsScan) {
		la.lmu.Unlock()
		return false
	}

	la.destsFlushed = true
	accounts := make([]ledger.Account, 0, len(la.destinations))
	for a := range la.destinations {
		accounts = append(accounts, a)
	}
	la.lmu.Unlock()

	added := false
	for _, a := range accounts {
		if info, _ := la.store.AccountInfo(a); info != nil {
			continue
		}

		la.cs.AddPull(la, PullInfo{
			Account:     a,
			Count:       lazyMaxPullCount,
			RetryLimit:  lazyRetryLimit,
			BootstrapID: la.bootstrapID,
		})
		added = true
	}

	return added
}

// pullExhausted gives up on the pulled hash so the attempt can close.
func (la *LazyAttempt) pullExhausted(pull *PullInfo) {
	la.lmu.Lock()
	delete(la.pending, pull.HeadOriginal)
	la.lmu.Unlock()
}

// reportUnresolved counts state blocks whose link nature never resolved.
func (la *LazyAttempt) reportUnresolved() {
	la.lmu.Lock()
	unresolved := len(la.stateUnknown)
	la.lmu.Unlock()

	for i := 0; i < unresolved; i++ {
		la.metrics.PullFailed.Inc()
	}

	if unresolved > 0 {
		logger.Debug("lazy walk left unresolved state blocks",
			"count", unresolved,
			"id", la.bootstrapID,
		)
	}
}
