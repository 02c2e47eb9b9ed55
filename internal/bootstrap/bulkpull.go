package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
)

// runBulkPull drives the client half of one bulk-pull exchange over a
// leased connection. The caller requeues the pull on error.
func (cs *Connections) runBulkPull(c *client, a attempt, pull *PullInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), cs.cfg.IOTimeout)
	defer cancel()

	stream, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(cs.cfg.IOTimeout))

	bp := &bulkPullClient{
		cfg:     cs.cfg,
		stream:  stream,
		attempt: a,
		pull:    pull,
	}

	return bp.run()
}

// bulkPullClient receives one chain segment and feeds it to the attempt.
type bulkPullClient struct {
	cfg     Config
	stream  Stream
	attempt attempt
	pull    *PullInfo

	received  uint64
	expected  ledger.Hash
	startTime time.Time
}

// run sends the request and receives blocks until the terminator.
func (bp *bulkPullClient) run() error {
	req := BulkPull{End: bp.pull.End}
	if bp.pull.Head.IsZero() {
		req.Start = bp.pull.Account.Hash()
	} else {
		req.Start = bp.pull.Head
		bp.expected = bp.pull.Head
	}

	if bp.pull.Count > 0 {
		req.CountPresent = true
		req.Count = bp.pull.Count
	}

	if err := WriteBulkPull(bp.stream, req); err != nil {
		return fmt.Errorf("send bulk pull: %w", err)
	}

	bp.startTime = time.Now()

	for {
		if bp.attempt.Stopped() {
			return ErrStopped
		}

		block, err := ledger.ReadBlock(bp.stream)
		if errors.Is(err, ledger.ErrNotABlock) {
			break // end of stream
		}
		if errors.Is(err, ledger.ErrUnknownBlockType) {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err != nil {
			return fmt.Errorf("receive block: %w", err)
		}

		if err := bp.received1(block); err != nil {
			return err
		}
	}

	if bp.received == 0 && !bp.pull.Head.IsZero() {
		// The peer answered a hash pull with nothing; let the retry
		// budget decide whether another peer still has the chain.
		return fmt.Errorf("empty pull for %s", bp.pull.Head)
	}

	return nil
}

// received1 validates framing expectations for one block and hands it on.
func (bp *bulkPullClient) received1(block ledger.Block) error {
	hash := block.Hash()

	if !bp.expected.IsZero() && hash != bp.expected {
		return fmt.Errorf("%w: expected block %s, got %s", ErrMalformedFrame, bp.expected, hash)
	}

	bp.received++
	bp.pull.Processed++
	bp.expected = block.Previous()

	if bp.pull.Count > 0 && bp.received > uint64(bp.pull.Count) {
		return fmt.Errorf("%w: peer exceeded pull count", ErrMalformedFrame)
	}

	if err := bp.checkThroughput(); err != nil {
		return err
	}

	if bp.attempt.shouldLog() {
		logger.Info("pulled blocks",
			"count", bp.received,
			"account", bp.pull.Account,
			"id", bp.pull.BootstrapID,
		)
	}

	return bp.attempt.processBlock(block, bp.pull)
}

// checkThroughput aborts the exchange when, after warmup, the block rate
// falls below the floor.
func (bp *bulkPullClient) checkThroughput() error {
	elapsed := time.Since(bp.startTime)
	if elapsed < connectionWarmupTime {
		return nil
	}

	sec := elapsed.Seconds()
	if sec < minimumElapsedSeconds {
		sec = minimumElapsedSeconds
	}

	if float64(bp.received)/sec < minimumBlocksPerSec {
		return ErrSlowStream
	}

	return nil
}

// serveBulkPull answers one bulk_pull request: it resolves start to a block
// (directly, or via the account head), then streams the chain along
// previous pointers.
func (s *Server) serveBulkPull(stream Stream, req BulkPull) error {
	current, err := s.resolveStart(req.Start)
	if err != nil {
		return err
	}

	end := req.End
	if !end.IsZero() {
		// An end that is unknown or on a different chain is treated as
		// zero: the entire chain is streamed.
		onChain, err := s.sameChain(current, end)
		if err != nil {
			return err
		}
		if !onChain {
			end = ledger.Hash{}
		}
	}

	// start == end asks for exactly that one block.
	if req.Start == req.End && !req.Start.IsZero() && current == req.Start {
		if block, err := s.store.Block(current); err != nil {
			return err
		} else if block != nil {
			if err := ledger.WriteBlock(stream, block); err != nil {
				return err
			}
		}

		return ledger.WriteTerminator(stream)
	}

	var sent uint32

	for !current.IsZero() && current != end {
		block, err := s.store.Block(current)
		if err != nil {
			return err
		}
		if block == nil {
			break // diverged or pruned; terminate cleanly
		}

		if err := ledger.WriteBlock(stream, block); err != nil {
			return err
		}

		sent++
		if req.CountPresent && req.Count > 0 && sent >= req.Count {
			break
		}

		current = block.Previous()
	}

	return ledger.WriteTerminator(stream)
}

// resolveStart resolves the hash-or-account start field: a known block hash
// is used directly, anything else is read as an account whose head starts
// the stream (zero when the account has no blocks).
func (s *Server) resolveStart(start ledger.Hash) (ledger.Hash, error) {
	has, err := s.store.HasBlock(start)
	if err != nil {
		return ledger.Hash{}, err
	}
	if has {
		return start, nil
	}

	info, err := s.store.AccountInfo(ledger.Account(start))
	if err != nil {
		return ledger.Hash{}, err
	}
	if info == nil {
		return ledger.Hash{}, nil
	}

	return info.Head, nil
}

// sameChain reports whether end belongs to the chain owning start.
func (s *Server) sameChain(start, end ledger.Hash) (bool, error) {
	if start.IsZero() {
		return false, nil
	}

	startOwner, err := s.store.BlockAccount(start)
	if err != nil {
		return false, err
	}

	endOwner, err := s.store.BlockAccount(end)
	if err != nil {
		return false, err
	}

	return !endOwner.IsZero() && startOwner == endOwner, nil
}
