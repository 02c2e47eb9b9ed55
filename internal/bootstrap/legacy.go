package bootstrap

import (
	"context"
	"crypto/ed25519"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/network"
	"Strata/internal/processor"
	"Strata/internal/repcrawler"
)

// RepCrawler is the weighted-peer view consumed by frontier confirmation.
type RepCrawler interface {
	// PrincipalRepresentatives returns up to count principal reps in
	// descending weight order.
	PrincipalRepresentatives(count int) []repcrawler.Representative

	// TotalWeight sums all known representative weight.
	TotalWeight() ledger.Amount

	// VotersOf returns accounts recently seen voting for a hash.
	VotersOf(h ledger.Hash) []ledger.Account

	// IsPrincipal reports whether a node key belongs to a principal rep.
	IsPrincipal(pub ed25519.PublicKey) bool
}

// LegacyAttempt drives the full frontier -> pulls -> push cycle against one
// peer. Its frontier view must be endorsed by representative weight before
// the attempt is trusted to finish.
type LegacyAttempt struct {
	baseAttempt

	cfg     Config
	metrics *Metrics
	crawler RepCrawler

	endpoint     string
	frontiersAge uint32

	lmu           sync.Mutex
	frontierPulls []PullInfo
	pushTargets   []pushTarget
	recentPulls   []ledger.Hash
	accountCount  int
	pushEndpoint  string

	frontiersReceived   atomic.Bool
	frontiersConfirmed  atomic.Bool
	confirmationPending atomic.Bool

	// onUnconfirmed schedules a replacement attempt after a confirmation
	// failure, with an aged frontier window.
	onUnconfirmed func(age uint32, id string)
}

func newLegacyAttempt(
	id uint64,
	bootstrapID string,
	cfg Config,
	cs *Connections,
	store *ledger.Store,
	proc *processor.Processor,
	metrics *Metrics,
	crawler RepCrawler,
	endpoint string,
	frontiersAge uint32,
) *LegacyAttempt {
	return &LegacyAttempt{
		baseAttempt:  newBaseAttempt(id, bootstrapID, ModeLegacy, cs, store, proc),
		cfg:          cfg,
		metrics:      metrics,
		crawler:      crawler,
		endpoint:     endpoint,
		frontiersAge: frontiersAge,
	}
}

// Endpoint returns the targeted peer address.
func (la *LegacyAttempt) Endpoint() string {
	return la.endpoint
}

// FrontiersReceived reports a completed frontier exchange.
func (la *LegacyAttempt) FrontiersReceived() bool {
	return la.frontiersReceived.Load()
}

// FrontiersConfirmed reports an endorsed frontier view.
func (la *LegacyAttempt) FrontiersConfirmed() bool {
	return la.frontiersConfirmed.Load()
}

// Stop cancels the attempt: pending pulls are evicted and leased
// connections are closed.
func (la *LegacyAttempt) Stop() {
	if la.markStopped() {
		la.cs.ClearPulls(la)
	}
}

// run executes the attempt to completion.
func (la *LegacyAttempt) run() {
	defer la.finish()

	la.runStart()

	for !la.Stopped() {
		la.mu.Lock()
		for la.stillPullingLocked() && !la.confirmationPending.Load() {
			la.cond.Wait()
		}
		la.mu.Unlock()

		if la.Stopped() {
			break
		}

		if la.confirmationPending.Load() {
			la.attemptRestartCheck()
			continue
		}

		// Flushing may resolve forks which can add more pulls.
		la.proc.Flush()

		la.mu.Lock()
		done := la.pulling == 0
		la.mu.Unlock()

		if done {
			break
		}
	}

	if !la.Stopped() {
		logger.Debug("completed legacy pulls", "id", la.bootstrapID)

		if !la.cfg.DisableBulkPushClient {
			la.requestPush()
		}
	}

	la.Stop()
}

// runStart retries the frontier request until it succeeds or the attempt
// stops; after 64 failed tries it stops the attempt itself.
func (la *LegacyAttempt) runStart() {
	failure := true
	attempts := 0

	for !la.Stopped() && failure {
		attempts++
		failure = la.requestFrontier(attempts == 1)

		if failure {
			if attempts >= 64 {
				logger.Warn("giving up on frontier request", "endpoint", la.endpoint, "attempts", attempts)
				la.Stop()

				break
			}

			time.Sleep(100 * time.Millisecond)
		}
	}

	la.frontiersReceived.Store(true)
}

// requestFrontier runs one frontier exchange. The first attempt targets the
// requested endpoint; retries take any pooled connection. Returns true on
// failure.
func (la *LegacyAttempt) requestFrontier(first bool) bool {
	endpoint := ""
	if first {
		endpoint = la.endpoint
	}

	c, err := la.cs.Lease(la, endpoint)
	if err != nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), la.cfg.IOTimeout)
	stream, err := c.open(ctx)
	cancel()
	if err != nil {
		la.cs.Release(c, true)
		return true
	}

	err = runFrontierClient(la.cfg, stream, la.store, la, la.frontiersAge)
	stream.Close()

	if err != nil {
		la.cs.Release(c, true)

		la.lmu.Lock()
		la.frontierPulls = nil
		la.lmu.Unlock()

		logger.Debug("frontier request failed", "endpoint", c.endpoint, "error", err)

		return true
	}

	la.cs.Release(c, false)

	// A frontier set served by a principal representative is trusted
	// without a separate confirmation round.
	if la.crawler != nil && la.crawler.IsPrincipal(c.peer.PublicKey()) {
		la.frontiersConfirmed.Store(true)
	}

	la.lmu.Lock()
	la.pushEndpoint = c.endpoint
	pulls := la.frontierPulls
	la.frontierPulls = nil
	la.accountCount = len(pulls)
	la.lmu.Unlock()

	rand.Shuffle(len(pulls), func(i, j int) {
		pulls[i], pulls[j] = pulls[j], pulls[i]
	})

	for _, p := range pulls {
		p.BootstrapID = la.bootstrapID
		la.cs.AddPull(la, p)
	}

	logger.Info("completed frontier request",
		"out_of_sync", len(pulls),
		"endpoint", c.endpoint,
		"id", la.bootstrapID,
	)

	return false
}

// requestPush uploads the unsynced segments to the frontier peer.
func (la *LegacyAttempt) requestPush() {
	la.lmu.Lock()
	endpoint := la.pushEndpoint
	la.lmu.Unlock()

	if endpoint == "" {
		endpoint = la.endpoint
	}

	c, err := la.cs.Lease(la, endpoint)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), la.cfg.IOTimeout)
	stream, err := c.open(ctx)
	cancel()
	if err != nil {
		la.cs.Release(c, true)
		return
	}

	err = runBulkPushClient(la.cfg, stream, la.store, la)
	stream.Close()
	la.cs.Release(c, err != nil)

	if err != nil {
		logger.Debug("bulk push client failed", "endpoint", endpoint, "error", err)
	}
}

// addFrontier collects one divergence pull during the frontier exchange.
// Pulls with a zero head are dropped; a misbehaving peer could use them to
// poison the queue.
func (la *LegacyAttempt) addFrontier(pull PullInfo) {
	if pull.Head.IsZero() {
		return
	}

	la.lmu.Lock()
	la.frontierPulls = append(la.frontierPulls, pull)
	la.lmu.Unlock()
}

// addBulkPushTarget collects one unsynced segment for the push phase.
func (la *LegacyAttempt) addBulkPushTarget(head, end ledger.Hash) {
	la.lmu.Lock()
	la.pushTargets = append(la.pushTargets, pushTarget{head: head, end: end})
	la.lmu.Unlock()
}

// takeBulkPushTarget pops one push target.
func (la *LegacyAttempt) takeBulkPushTarget() (pushTarget, bool) {
	la.lmu.Lock()
	defer la.lmu.Unlock()

	if len(la.pushTargets) == 0 {
		return pushTarget{}, false
	}

	target := la.pushTargets[len(la.pushTargets)-1]
	la.pushTargets = la.pushTargets[:len(la.pushTargets)-1]

	return target, true
}

// pullSucceeded records the pull head in the recent-pulls window feeding
// frontier confirmation.
func (la *LegacyAttempt) pullSucceeded(pull *PullInfo) {
	if pull.HeadOriginal.IsZero() {
		return
	}

	la.lmu.Lock()
	la.recentPulls = append(la.recentPulls, pull.HeadOriginal)
	if len(la.recentPulls) > maxConfirmFrontiers {
		la.recentPulls = la.recentPulls[1:]
	}
	la.lmu.Unlock()
}

// incRequeued also evaluates the confirmation trigger: persistent requeues
// point at a frontier set worth verifying.
func (la *LegacyAttempt) incRequeued() {
	la.baseAttempt.incRequeued()
	la.restartCondition()
}

// processBlock also evaluates the block-volume confirmation trigger.
func (la *LegacyAttempt) processBlock(blk ledger.Block, pull *PullInfo) error {
	if err := la.baseAttempt.processBlock(blk, pull); err != nil {
		return err
	}

	la.restartCondition()

	return nil
}

// restartCondition arms frontier confirmation once requeues or block volume
// cross their limits, unless the frontier set is already confirmed.
func (la *LegacyAttempt) restartCondition() {
	if la.confirmationPending.Load() || la.frontiersConfirmed.Load() {
		return
	}

	if la.RequeuedPulls() > la.cfg.requeueLimit() || la.TotalBlocks() > frontierConfirmationBlocksLimit {
		la.confirmationPending.Store(true)
		la.cond.Broadcast()
	}
}

// attemptRestartCheck runs frontier confirmation; an unconfirmed frontier
// set aborts the attempt and schedules a replacement with an aged window.
func (la *LegacyAttempt) attemptRestartCheck() {
	confirmed := la.confirmFrontiers()

	if confirmed {
		la.metrics.FrontierConfirmationSuccessful.Inc()
		la.frontiersConfirmed.Store(true)
	} else {
		la.metrics.FrontierConfirmationFailed.Inc()
		logger.Warn("frontier confirmation failed",
			"endpoint", la.endpoint,
			"id", la.bootstrapID,
			logger.Timed(la.startedAt),
		)

		la.Stop()

		if la.onUnconfirmed != nil {
			age := la.frontiersAge
			if age != AgeMax {
				age += uint32(time.Since(la.startedAt).Seconds())
			}

			la.onUnconfirmed(age, la.bootstrapID)
		}
	}

	la.confirmationPending.Store(false)
	la.cond.Broadcast()
}

// confirmFrontiers verifies that enough representative weight endorses the
// frontiers this attempt is pulling. Candidates come from the queued pulls
// and the recent-pulls window; a candidate is confirmed by vote tally above
// an eighth of representative weight with at least 60% of the queried reps
// responding, or by appearing in the local ledger.
func (la *LegacyAttempt) confirmFrontiers() bool {
	frontiers := la.cs.queue.snapshotHeads(la.id, maxConfirmFrontiers)

	la.lmu.Lock()
	for _, h := range la.recentPulls {
		if len(frontiers) >= maxConfirmFrontiers {
			break
		}
		if !h.IsZero() && !containsHash(frontiers, h) {
			frontiers = append(frontiers, h)
		}
	}
	la.lmu.Unlock()

	if len(frontiers) == 0 {
		return true
	}

	if la.crawler == nil {
		return false
	}

	reps := la.crawler.PrincipalRepresentatives(1000)
	if len(reps) < 2 {
		// Below two responding representatives the endorsement is
		// meaningless; treat as insufficient.
		return false
	}

	repsWeight := la.crawler.TotalWeight()
	selected := selectConfirmationReps(reps, repsWeight)
	tallyQuorum := repsWeight.Rsh(3) // 12.5% of weight
	votersQuorum := (len(selected)*3 + 4) / 5 // 60% of reps

	total := len(frontiers)
	confirmed := false
	const maxRequests = 20

	for round := 0; round <= maxRequests && !confirmed && !la.Stopped(); round++ {
		bundles := make(map[*network.Peer][]network.HashRoot)
		remaining := frontiers[:0]

		for _, f := range frontiers {
			if exists, _ := la.store.BlockOrPrunedExists(f); exists {
				continue
			}

			voters := la.crawler.VotersOf(f)

			var tally ledger.Amount
			for _, v := range voters {
				w, _ := la.store.Weight(v)
				tally = tally.Add(w)
			}

			if tally.Cmp(tallyQuorum) > 0 && len(voters) >= votersQuorum {
				continue
			}

			for _, rep := range selected {
				if rep.Channel == nil || containsAccount(voters, rep.Account) {
					continue
				}

				bundles[rep.Channel] = append(bundles[rep.Channel], network.HashRoot{Hash: f, Root: f})
			}

			remaining = append(remaining, f)
		}

		frontiers = remaining

		confirmedCount := total - len(frontiers)
		if float64(confirmedCount) >= float64(total)*requiredFrontierConfirmationRatio {
			confirmed = true
		} else if round < maxRequests {
			broadcastConfirmReqs(bundles)
			time.Sleep(la.cfg.confirmReqPacing())
		}
	}

	if !confirmed {
		logger.Info("failed to confirm frontiers",
			"unconfirmed", len(frontiers),
			"total", total,
			"id", la.bootstrapID,
		)
	}

	return confirmed
}

// selectConfirmationReps picks the reps to query: up to 20 random reps from
// the bottom half by weight, topped up from the top half until the picks
// carry a quarter of the total representative weight.
func selectConfirmationReps(reps []repcrawler.Representative, repsWeight ledger.Amount) []repcrawler.Representative {
	const repsLimit = 20

	if len(reps) <= 1 {
		return reps
	}

	half := len(reps) / 2
	bottom := append([]repcrawler.Representative(nil), reps[half:]...)
	rand.Shuffle(len(bottom), func(i, j int) {
		bottom[i], bottom[j] = bottom[j], bottom[i]
	})

	if len(bottom) > repsLimit {
		bottom = bottom[:repsLimit]
	}

	selected := bottom

	var total ledger.Amount
	for _, rep := range selected {
		total = total.Add(rep.Weight)
	}

	target := repsWeight.Rsh(2) // 25% of weight
	top := reps[:half]

	for _, rep := range top {
		if total.Cmp(target) >= 0 {
			break
		}
		if containsRep(selected, rep.Account) {
			continue
		}

		selected = append(selected, rep)
		total = total.Add(rep.Weight)
	}

	return selected
}

// broadcastConfirmReqs sends the batched confirm-requests, chunked to the
// per-message pair limit.
func broadcastConfirmReqs(bundles map[*network.Peer][]network.HashRoot) {
	for peer, pairs := range bundles {
		for len(pairs) > 0 {
			n := len(pairs)
			if n > 7 {
				n = 7
			}

			req := &network.ConfirmReq{Pairs: pairs[:n]}
			if err := peer.SendConfirmReq(req); err != nil {
				logger.Debug("confirm req send failed", "peer", peer.Address(), "error", err)
				break
			}

			pairs = pairs[n:]
		}
	}
}

func containsHash(hashes []ledger.Hash, h ledger.Hash) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}

	return false
}

func containsAccount(accounts []ledger.Account, a ledger.Account) bool {
	for _, x := range accounts {
		if x == a {
			return true
		}
	}

	return false
}

func containsRep(reps []repcrawler.Representative, a ledger.Account) bool {
	for _, r := range reps {
		if r.Account == a {
			return true
		}
	}

	return false
}
