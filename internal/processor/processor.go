// Package processor validates incoming blocks and commits them to the
// ledger store. Blocks may arrive in any order; blocks whose dependencies
// are missing are parked until the dependency commits.
package processor

import (
	"sync"

	"Strata/internal/ledger"
	"Strata/internal/logger"
)

const (
	// queueCapacity bounds the input queue. Add blocks when it is full
	// and the caller observes backpressure.
	queueCapacity = 16384

	// maxUnchecked bounds the number of parked blocks.
	maxUnchecked = 65536
)

// item is one queued block with the account it is believed to belong to
// (zero when unknown, e.g. lazy pulls by hash).
type item struct {
	block   ledger.Block
	account ledger.Account
}

// Processor drains a bounded queue of blocks into the ledger store.
type Processor struct {
	store *ledger.Store

	queue chan item

	mu        sync.Mutex
	unchecked map[ledger.Hash][]item // missing dependency -> waiters
	parked    int

	handlersMu sync.RWMutex
	onCommit   []func(ledger.Block)

	stop chan struct{}
	wg   sync.WaitGroup

	// procMu serializes commits between the worker and Flush callers.
	procMu sync.Mutex
}

// New creates a processor over the given store.
func New(store *ledger.Store) *Processor {
	return &Processor{
		store:     store,
		queue:     make(chan item, queueCapacity),
		unchecked: make(map[ledger.Hash][]item),
		stop:      make(chan struct{}),
	}
}

// Start launches the background worker.
func (p *Processor) Start() {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		for {
			select {
			case it := <-p.queue:
				p.process(it)
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop terminates the background worker.
func (p *Processor) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// OnCommit registers a callback invoked after each committed block.
func (p *Processor) OnCommit(fn func(ledger.Block)) {
	p.handlersMu.Lock()
	p.onCommit = append(p.onCommit, fn)
	p.handlersMu.Unlock()
}

// Add enqueues a block with its known account (zero if unknown). Blocks
// until queue capacity frees or the processor stops.
func (p *Processor) Add(b ledger.Block, known ledger.Account) {
	select {
	case p.queue <- item{block: b, account: known}:
	case <-p.stop:
	}
}

// Flush synchronously drains the queue. Used by bootstrap attempts between
// pull rounds; resolving parked blocks may commit further chains.
func (p *Processor) Flush() {
	for {
		select {
		case it := <-p.queue:
			p.process(it)
		default:
			return
		}
	}
}

// QueueLen returns the number of queued, unprocessed blocks.
func (p *Processor) QueueLen() int {
	return len(p.queue)
}

// process validates and commits one block under the commit lock.
func (p *Processor) process(it item) {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	p.processLocked(it)
}

// processLocked validates and commits one block, then retries any blocks
// that were parked on it.
func (p *Processor) processLocked(it item) {
	hash := it.block.Hash()

	exists, err := p.store.BlockOrPrunedExists(hash)
	if err != nil {
		logger.Error("block lookup", "hash", hash, "error", err)
		return
	}
	if exists {
		return // old block
	}

	status := p.commit(it, hash)
	switch status.code {
	case statusCommitted:
		p.notify(it.block)
		p.release(hash)
	case statusGap:
		p.park(status.dependency, it)
	case statusRejected:
		logger.Debug("block rejected", "hash", hash, "type", it.block.Type(), "reason", status.reason)
	}
}

// release re-queues blocks parked on the given dependency.
func (p *Processor) release(dependency ledger.Hash) {
	p.mu.Lock()
	waiters := p.unchecked[dependency]
	delete(p.unchecked, dependency)
	p.parked -= len(waiters)
	p.mu.Unlock()

	for _, w := range waiters {
		p.processLocked(w)
	}
}

// park stores a block until its dependency commits. Oldest entries are not
// tracked individually; the table is simply capped.
func (p *Processor) park(dependency ledger.Hash, it item) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.parked >= maxUnchecked {
		return
	}

	p.unchecked[dependency] = append(p.unchecked[dependency], it)
	p.parked++
}

func (p *Processor) notify(b ledger.Block) {
	p.handlersMu.RLock()
	handlers := p.onCommit
	p.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(b)
	}
}

type statusCode int

const (
	statusCommitted statusCode = iota
	statusGap
	statusRejected
)

type status struct {
	code       statusCode
	dependency ledger.Hash // set for statusGap
	reason     string      // set for statusRejected
}

func committed() status          { return status{code: statusCommitted} }
func gap(dep ledger.Hash) status { return status{code: statusGap, dependency: dep} }
func rejected(why string) status { return status{code: statusRejected, reason: why} }

// commit validates one block against ledger state and writes it.
func (p *Processor) commit(it item, hash ledger.Hash) status {
	switch b := it.block.(type) {
	case *ledger.OpenBlock:
		return p.commitOpen(b, hash)
	case *ledger.SendBlock:
		return p.commitSend(b, hash)
	case *ledger.ReceiveBlock:
		return p.commitReceive(b, hash)
	case *ledger.ChangeBlock:
		return p.commitChange(b, hash)
	case *ledger.StateBlock:
		return p.commitState(b, hash)
	default:
		return rejected("unknown block type")
	}
}

func (p *Processor) commitOpen(b *ledger.OpenBlock, hash ledger.Hash) status {
	info, err := p.store.AccountInfo(b.Owner)
	if err != nil {
		return rejected(err.Error())
	}
	if info != nil {
		return rejected("account already open")
	}

	pending, err := p.store.Pending(ledger.PendingKey{Account: b.Owner, Hash: b.Source})
	if err != nil {
		return rejected(err.Error())
	}
	if pending == nil {
		return gap(b.Source)
	}

	if err := p.store.PutBlock(b, b.Owner); err != nil {
		return rejected(err.Error())
	}

	p.store.DeletePending(ledger.PendingKey{Account: b.Owner, Hash: b.Source})
	p.store.SetAccountInfo(b.Owner, ledger.AccountInfo{
		Head:           hash,
		Open:           hash,
		Representative: b.Representative,
		Balance:        pending.Amount,
		BlockCount:     1,
	})
	p.addWeight(b.Representative, pending.Amount)

	return committed()
}

func (p *Processor) commitSend(b *ledger.SendBlock, hash ledger.Hash) status {
	owner, info, st := p.resolveHead(b.Prev)
	if st.code != statusCommitted {
		return st
	}

	sent, ok := info.Balance.Sub(b.Bal)
	if !ok {
		return rejected("send increases balance")
	}

	if err := p.store.PutBlock(b, owner); err != nil {
		return rejected(err.Error())
	}

	p.store.SetPending(
		ledger.PendingKey{Account: b.Destination, Hash: hash},
		ledger.PendingInfo{Source: owner, Amount: sent},
	)
	p.subWeight(info.Representative, sent)

	info.Head = hash
	info.Balance = b.Bal
	info.BlockCount++
	p.store.SetAccountInfo(owner, *info)

	return committed()
}

func (p *Processor) commitReceive(b *ledger.ReceiveBlock, hash ledger.Hash) status {
	owner, info, st := p.resolveHead(b.Prev)
	if st.code != statusCommitted {
		return st
	}

	pending, err := p.store.Pending(ledger.PendingKey{Account: owner, Hash: b.Source})
	if err != nil {
		return rejected(err.Error())
	}
	if pending == nil {
		return gap(b.Source)
	}

	if err := p.store.PutBlock(b, owner); err != nil {
		return rejected(err.Error())
	}

	p.store.DeletePending(ledger.PendingKey{Account: owner, Hash: b.Source})
	p.addWeight(info.Representative, pending.Amount)

	info.Head = hash
	info.Balance = info.Balance.Add(pending.Amount)
	info.BlockCount++
	p.store.SetAccountInfo(owner, *info)

	return committed()
}

func (p *Processor) commitChange(b *ledger.ChangeBlock, hash ledger.Hash) status {
	owner, info, st := p.resolveHead(b.Prev)
	if st.code != statusCommitted {
		return st
	}

	if err := p.store.PutBlock(b, owner); err != nil {
		return rejected(err.Error())
	}

	p.subWeight(info.Representative, info.Balance)
	p.addWeight(b.Representative, info.Balance)

	info.Head = hash
	info.Representative = b.Representative
	info.BlockCount++
	p.store.SetAccountInfo(owner, *info)

	return committed()
}

func (p *Processor) commitState(b *ledger.StateBlock, hash ledger.Hash) status {
	if b.Prev.IsZero() {
		return p.commitStateOpen(b, hash)
	}

	info, err := p.store.AccountInfo(b.Owner)
	if err != nil {
		return rejected(err.Error())
	}
	if info == nil || info.Head != b.Prev {
		has, err := p.store.BlockOrPrunedExists(b.Prev)
		if err != nil {
			return rejected(err.Error())
		}
		if !has {
			return gap(b.Prev)
		}

		return rejected("previous is not the account head")
	}

	switch b.Bal.Cmp(info.Balance) {
	case -1: // send
		sent, _ := info.Balance.Sub(b.Bal)
		if err := p.store.PutBlock(b, b.Owner); err != nil {
			return rejected(err.Error())
		}

		var destination ledger.Account
		copy(destination[:], b.LinkField[:])
		p.store.SetPending(
			ledger.PendingKey{Account: destination, Hash: hash},
			ledger.PendingInfo{Source: b.Owner, Amount: sent},
		)

	case 1: // receive
		received, _ := b.Bal.Sub(info.Balance)

		pending, err := p.store.Pending(ledger.PendingKey{Account: b.Owner, Hash: b.LinkField})
		if err != nil {
			return rejected(err.Error())
		}
		if pending == nil {
			return gap(b.LinkField)
		}
		if pending.Amount != received {
			return rejected("receive amount mismatch")
		}

		if err := p.store.PutBlock(b, b.Owner); err != nil {
			return rejected(err.Error())
		}

		p.store.DeletePending(ledger.PendingKey{Account: b.Owner, Hash: b.LinkField})

	default: // representative change only
		if err := p.store.PutBlock(b, b.Owner); err != nil {
			return rejected(err.Error())
		}
	}

	// Weight is delegated balance: retire the old balance from the old
	// representative and delegate the new balance to the new one.
	p.subWeight(info.Representative, info.Balance)
	p.addWeight(b.Representative, b.Bal)

	info.Head = hash
	info.Representative = b.Representative
	info.Balance = b.Bal
	info.BlockCount++
	p.store.SetAccountInfo(b.Owner, *info)

	return committed()
}

func (p *Processor) commitStateOpen(b *ledger.StateBlock, hash ledger.Hash) status {
	info, err := p.store.AccountInfo(b.Owner)
	if err != nil {
		return rejected(err.Error())
	}
	if info != nil {
		return rejected("account already open")
	}

	pending, err := p.store.Pending(ledger.PendingKey{Account: b.Owner, Hash: b.LinkField})
	if err != nil {
		return rejected(err.Error())
	}
	if pending == nil {
		return gap(b.LinkField)
	}
	if pending.Amount != b.Bal {
		return rejected("open balance mismatch")
	}

	if err := p.store.PutBlock(b, b.Owner); err != nil {
		return rejected(err.Error())
	}

	p.store.DeletePending(ledger.PendingKey{Account: b.Owner, Hash: b.LinkField})
	p.store.SetAccountInfo(b.Owner, ledger.AccountInfo{
		Head:           hash,
		Open:           hash,
		Representative: b.Representative,
		Balance:        b.Bal,
		BlockCount:     1,
	})
	p.addWeight(b.Representative, b.Bal)

	return committed()
}

// resolveHead resolves a previous hash to its owning account and current
// info, requiring previous to be the account head.
func (p *Processor) resolveHead(previous ledger.Hash) (ledger.Account, *ledger.AccountInfo, status) {
	owner, err := p.store.BlockAccount(previous)
	if err != nil {
		return ledger.Account{}, nil, rejected(err.Error())
	}
	if owner.IsZero() {
		return ledger.Account{}, nil, gap(previous)
	}

	info, err := p.store.AccountInfo(owner)
	if err != nil {
		return ledger.Account{}, nil, rejected(err.Error())
	}
	if info == nil {
		return ledger.Account{}, nil, rejected("owner has no account info")
	}
	if info.Head != previous {
		return ledger.Account{}, nil, rejected("previous is not the account head")
	}

	return owner, info, committed()
}

func (p *Processor) addWeight(rep ledger.Account, delta ledger.Amount) {
	w, err := p.store.Weight(rep)
	if err != nil {
		logger.Error("weight read", "account", rep, "error", err)
		return
	}

	p.store.SetWeight(rep, w.Add(delta))
}

func (p *Processor) subWeight(rep ledger.Account, delta ledger.Amount) {
	w, err := p.store.Weight(rep)
	if err != nil {
		logger.Error("weight read", "account", rep, "error", err)
		return
	}

	next, ok := w.Sub(delta)
	if !ok {
		next = ledger.Amount{}
	}

	p.store.SetWeight(rep, next)
}
