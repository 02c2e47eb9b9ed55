package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
)

// pushTarget is one chain segment scheduled for reverse upload: the local
// head and the newest hash the peer already has (zero for a full chain).
type pushTarget struct {
	head ledger.Hash
	end  ledger.Hash
}

// runBulkPushClient uploads the unsynced chain segments collected by the
// frontier exchange to the peer.
func runBulkPushClient(cfg Config, stream Stream, store *ledger.Store, attempt *LegacyAttempt) error {
	stream.SetDeadline(time.Now().Add(cfg.IOTimeout))

	if err := WriteBulkPush(stream); err != nil {
		return fmt.Errorf("send bulk push: %w", err)
	}

	var pushed uint64

	for {
		if attempt.Stopped() {
			return ErrStopped
		}

		target, ok := attempt.takeBulkPushTarget()
		if !ok {
			break
		}

		n, err := pushChain(stream, store, target)
		if err != nil {
			return err
		}

		pushed += n
	}

	if err := ledger.WriteTerminator(stream); err != nil {
		return err
	}

	logger.Debug("bulk push complete", "blocks", pushed, "id", attempt.BootstrapID())

	return nil
}

// pushChain streams one segment newest-first, from head back to end
// exclusive (or the open block when end is zero).
func pushChain(stream Stream, store *ledger.Store, target pushTarget) (uint64, error) {
	var pushed uint64
	current := target.head

	for !current.IsZero() && current != target.end {
		block, err := store.Block(current)
		if err != nil {
			return pushed, err
		}
		if block == nil {
			break // pruned locally; push what we have
		}

		if err := ledger.WriteBlock(stream, block); err != nil {
			return pushed, err
		}

		pushed++
		current = block.Previous()
	}

	return pushed, nil
}

// serveBulkPush receives pushed blocks until the terminator and hands them
// to the block processor. The pusher's view is untrusted; validity is
// determined downstream.
func (s *Server) serveBulkPush(stream Stream) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		block, err := ledger.ReadBlock(stream)
		if errors.Is(err, ledger.ErrNotABlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive pushed block: %w", err)
		}

		s.proc.Add(block, ledger.Account{})
	}
}
