package bootstrap

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/processor"
)

// Mode selects the attempt engine.
type Mode int

const (
	ModeLegacy Mode = iota
	ModeLazy
	ModeWalletLazy
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeLazy:
		return "lazy"
	case ModeWalletLazy:
		return "wallet_lazy"
	default:
		return "unknown"
	}
}

// attempt is the view of an attempt shared by the pull machinery. Mode
// specific operations live on the concrete types only.
type attempt interface {
	ID() uint64
	Mode() Mode
	Stopped() bool

	pullStarted()
	pullFinished()
	incRequeued()

	// processBlock handles one pulled block. A non-nil error aborts the
	// running pull.
	processBlock(b ledger.Block, pull *PullInfo) error

	// pullSucceeded observes a cleanly completed pull.
	pullSucceeded(pull *PullInfo)

	// pullExhausted observes a pull dropped after its final retry.
	pullExhausted(pull *PullInfo)

	// shouldLog rate-limits per-exchange progress logging.
	shouldLog() bool
}

// baseAttempt carries the state shared by all attempt modes.
type baseAttempt struct {
	id          uint64
	bootstrapID string
	mode        Mode
	startedAt   time.Time

	cs    *Connections
	store *ledger.Store
	proc  *processor.Processor

	mu       *sync.Mutex
	cond     *sync.Cond
	pulling  int
	requeued int

	totalBlocks atomic.Uint64
	stopped     atomic.Bool

	nextLogMu sync.Mutex
	nextLog   time.Time

	onExit func()
}

func newBaseAttempt(id uint64, bootstrapID string, mode Mode, cs *Connections, store *ledger.Store, proc *processor.Processor) baseAttempt {
	if bootstrapID == "" {
		var raw [16]byte
		rand.Read(raw[:])
		bootstrapID = hex.EncodeToString(raw[:])
	}

	b := baseAttempt{
		id:          id,
		bootstrapID: bootstrapID,
		mode:        mode,
		startedAt:   time.Now(),
		cs:          cs,
		store:       store,
		proc:        proc,
		mu:          &sync.Mutex{},
	}
	// The mutex lives behind a pointer so the cond keeps guarding it after
	// the struct is copied into the embedding attempt.
	b.cond = sync.NewCond(b.mu)

	logger.Info("starting bootstrap attempt", "mode", mode, "id", bootstrapID)

	return b
}

// ID returns the incremental attempt id.
func (b *baseAttempt) ID() uint64 {
	return b.id
}

// Mode returns the attempt mode.
func (b *baseAttempt) Mode() Mode {
	return b.mode
}

// BootstrapID returns the opaque trace tag.
func (b *baseAttempt) BootstrapID() string {
	return b.bootstrapID
}

// Stopped reports external cancellation.
func (b *baseAttempt) Stopped() bool {
	return b.stopped.Load()
}

// TotalBlocks returns the number of blocks processed so far.
func (b *baseAttempt) TotalBlocks() uint64 {
	return b.totalBlocks.Load()
}

// Pulling returns the number of queued plus in-flight pulls.
func (b *baseAttempt) Pulling() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pulling
}

// RequeuedPulls returns the number of pull requeues so far.
func (b *baseAttempt) RequeuedPulls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.requeued
}

func (b *baseAttempt) pullStarted() {
	b.mu.Lock()
	b.pulling++
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *baseAttempt) pullFinished() {
	b.mu.Lock()
	b.pulling--
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *baseAttempt) incRequeued() {
	b.mu.Lock()
	b.requeued++
	b.mu.Unlock()
	b.cond.Broadcast()
}

// processBlock forwards the block to the block processor with the account
// known from the pull descriptor. Validity is determined downstream.
func (b *baseAttempt) processBlock(blk ledger.Block, pull *PullInfo) error {
	b.totalBlocks.Add(1)
	b.proc.Add(blk, pull.Account)

	return nil
}

func (b *baseAttempt) pullSucceeded(pull *PullInfo) {}

func (b *baseAttempt) pullExhausted(pull *PullInfo) {}

// markStopped sets the stop flag and wakes loop waiters. Returns false if
// the attempt was already stopped.
func (b *baseAttempt) markStopped() bool {
	if b.stopped.Swap(true) {
		return false
	}

	b.cond.Broadcast()

	return true
}

// stillPullingLocked reports whether pulls are queued or in flight. Callers
// hold b.mu.
func (b *baseAttempt) stillPullingLocked() bool {
	return !b.stopped.Load() && b.pulling > 0
}

// waitPullsLocked blocks until no pull is queued or in flight, the attempt
// stops, or extra returns true. Callers hold b.mu.
func (b *baseAttempt) waitPullsLocked(extra func() bool) {
	for b.stillPullingLocked() && (extra == nil || !extra()) {
		b.cond.Wait()
	}
}

// shouldLog rate-limits progress logging to one line per 15 seconds.
func (b *baseAttempt) shouldLog() bool {
	b.nextLogMu.Lock()
	defer b.nextLogMu.Unlock()

	now := time.Now()
	if b.nextLog.After(now) {
		return false
	}

	b.nextLog = now.Add(15 * time.Second)

	return true
}

// finish emits the exit event.
func (b *baseAttempt) finish() {
	logger.Info("exiting bootstrap attempt",
		"mode", b.mode,
		"id", b.bootstrapID,
		"total_blocks", b.totalBlocks.Load(),
		logger.Timed(b.startedAt),
	)

	if b.onExit != nil {
		b.onExit()
	}
}
