package bootstrap

import (
	"fmt"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
)

// frontierReqClient walks the local account table in lockstep with the
// peer's frontier stream and turns divergences into pulls and push targets.
type frontierReqClient struct {
	cfg     Config
	stream  Stream
	store   *ledger.Store
	attempt *LegacyAttempt
	age     uint32

	// Cursor over the local account table.
	current  ledger.Account
	frontier ledger.Hash
	batch    []ledger.AccountEntry
	next     ledger.Account
	drained  bool

	count        uint64
	lastReceived ledger.Account
	bulkPushCost int
	startTime    time.Time
}

// runFrontierClient drives the client half of one frontier exchange.
func runFrontierClient(cfg Config, stream Stream, store *ledger.Store, attempt *LegacyAttempt, age uint32) error {
	fc := &frontierReqClient{
		cfg:     cfg,
		stream:  stream,
		store:   store,
		attempt: attempt,
		age:     age,
	}

	if err := fc.advance(); err != nil {
		return err
	}

	return fc.run()
}

func (fc *frontierReqClient) run() error {
	fc.stream.SetDeadline(time.Now().Add(fc.cfg.IOTimeout))

	req := FrontierReq{Age: fc.age, Count: CountMax}
	if err := WriteFrontierReq(fc.stream, req); err != nil {
		return fmt.Errorf("send frontier req: %w", err)
	}

	fc.startTime = time.Now()

	for {
		if fc.attempt.Stopped() {
			return ErrStopped
		}

		pair, err := readFrontierPair(fc.stream)
		if err != nil {
			return err
		}

		fc.count++
		if fc.count%1024 == 0 {
			fc.stream.SetDeadline(time.Now().Add(fc.cfg.IOTimeout))
		}

		if err := fc.checkThroughput(); err != nil {
			return err
		}

		if pair.isTerminator() {
			return fc.finish()
		}

		// The stream must be strictly ascending in account value.
		if fc.lastReceived.Cmp(pair.account) >= 0 {
			return fmt.Errorf("%w: frontier stream out of order at %s", ErrMalformedFrame, pair.account)
		}
		fc.lastReceived = pair.account

		if err := fc.received(pair); err != nil {
			return err
		}

		if fc.attempt.shouldLog() {
			logger.Info("received frontiers", "count", fc.count, "id", fc.attempt.BootstrapID())
		}
	}
}

// received reconciles one peer frontier against the local cursor.
func (fc *frontierReqClient) received(pair frontierPair) error {
	// Local accounts below the peer's cursor are unknown to the peer.
	for !fc.current.IsZero() && fc.current.Cmp(pair.account) < 0 {
		fc.unsynced(fc.frontier, ledger.Hash{})

		if err := fc.advance(); err != nil {
			return err
		}
	}

	if fc.current.IsZero() || fc.current.Cmp(pair.account) > 0 {
		// The peer has an account the local side lacks.
		fc.attempt.addFrontier(PullInfo{
			Account:    pair.account,
			Head:       pair.frontier,
			RetryLimit: frontierRetryLimit,
		})

		return nil
	}

	// Same account on both sides.
	if fc.frontier != pair.frontier {
		known, err := fc.store.BlockOrPrunedExists(pair.frontier)
		if err != nil {
			return err
		}

		if known {
			// We know about a block they don't.
			fc.unsynced(fc.frontier, pair.frontier)
		} else {
			// Either we're behind or there's a fork we differ on.
			// Either way, bulk pushing will probably not be effective.
			fc.attempt.addFrontier(PullInfo{
				Account:    pair.account,
				Head:       pair.frontier,
				End:        fc.frontier,
				RetryLimit: frontierRetryLimit,
			})
			fc.bulkPushCost += 5
		}
	}

	return fc.advance()
}

// finish drains the remaining local accounts as unsynced and resolves the
// exchange.
func (fc *frontierReqClient) finish() error {
	for !fc.current.IsZero() {
		fc.unsynced(fc.frontier, ledger.Hash{})

		if err := fc.advance(); err != nil {
			return err
		}
	}

	logger.Debug("frontier exchange complete",
		"received", fc.count,
		"push_cost", fc.bulkPushCost,
		"id", fc.attempt.BootstrapID(),
	)

	return nil
}

// unsynced records a bulk-push target while the cost budget lasts. Aged
// requests skip pushing: the local view is partial by construction.
func (fc *frontierReqClient) unsynced(head, end ledger.Hash) {
	if fc.bulkPushCost >= bulkPushCostLimit || fc.age != AgeMax {
		return
	}

	fc.attempt.addBulkPushTarget(head, end)

	if end.IsZero() {
		fc.bulkPushCost += 2
	} else {
		fc.bulkPushCost++
	}
}

// advance moves the local cursor one account forward, refilling the batch
// from the store as needed. Past the last account the cursor becomes zero.
func (fc *frontierReqClient) advance() error {
	if len(fc.batch) == 0 && !fc.drained {
		entries, err := fc.store.AccountsBatch(fc.next, frontierBatchSize)
		if err != nil {
			return err
		}

		fc.batch = entries

		if len(entries) < frontierBatchSize {
			fc.drained = true
		} else {
			last := entries[len(entries)-1].Account
			next, ok := last.Next()
			if !ok {
				fc.drained = true
			}
			fc.next = next
		}
	}

	if len(fc.batch) == 0 {
		fc.current = ledger.Account{}
		fc.frontier = ledger.Hash{}

		return nil
	}

	fc.current = fc.batch[0].Account
	fc.frontier = fc.batch[0].Info.Head
	fc.batch = fc.batch[1:]

	return nil
}

// checkThroughput aborts the exchange when, after warmup, the pair rate
// falls below the frontier floor.
func (fc *frontierReqClient) checkThroughput() error {
	elapsed := time.Since(fc.startTime)
	if elapsed < connectionWarmupTime {
		return nil
	}

	sec := elapsed.Seconds()
	if sec < minimumElapsedSeconds {
		sec = minimumElapsedSeconds
	}

	if float64(fc.count)/sec < minimumFrontierBlocksPerSec {
		logger.Debug("aborting slow frontier stream", "count", fc.count, "elapsed", elapsed)
		return ErrSlowStream
	}

	return nil
}

// serveFrontierReq answers one frontier_req: accounts in ascending order
// from req.Start, age-filtered, capped at req.Count, then the zero
// terminator. Reads visit the store in batches of 128 accounts.
func (s *Server) serveFrontierReq(stream Stream, req FrontierReq) error {
	now := uint64(time.Now().Unix())
	ageDisabled := req.Age == AgeMax

	cursor := req.Start
	var sent uint32

	for sent < req.Count {
		entries, err := s.store.AccountsBatch(cursor, frontierBatchSize)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if sent >= req.Count {
				break
			}

			if !ageDisabled && now-e.Info.Modified > uint64(req.Age) {
				continue
			}

			pair := frontierPair{account: e.Account, frontier: e.Info.Head}
			if err := writeFrontierPair(stream, pair); err != nil {
				return err
			}
			sent++
		}

		if len(entries) < frontierBatchSize {
			break // account table exhausted
		}

		next, ok := entries[len(entries)-1].Account.Next()
		if !ok {
			break
		}
		cursor = next
	}

	return writeFrontierPair(stream, frontierPair{})
}
