// Package repcrawler discovers the weighted identity of peers: it probes
// random peers with confirm-requests for ledger blocks and indexes the
// representatives whose signed votes come back.
package repcrawler

import (
	"crypto/ed25519"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/network"
	"Strata/internal/vote"
)

const (
	// conservativeCount and aggressiveCount are crawl target counts,
	// chosen by whether known weight is already sufficient.
	conservativeCount = 10
	aggressiveCount   = 40

	// activeWindow is how long a challenge accepts votes.
	activeWindow = 5 * time.Second

	// challengeRetries avoids re-sending a recently used challenge.
	challengeRetries = 4

	// voteCacheSize bounds the recently-observed-votes index.
	voteCacheSize = 4096
)

// Config holds the crawler knobs.
type Config struct {
	// MinimumPrincipalWeight is the weight floor for indexing a
	// representative.
	MinimumPrincipalWeight ledger.Amount

	// OnlineWeightMinimum is the weight above which crawling relaxes.
	OnlineWeightMinimum ledger.Amount

	// DevNetwork shortens the crawl interval for tests.
	DevNetwork bool
}

// Representative is one discovered weighted peer.
type Representative struct {
	Account      ledger.Account // Account is the representative's account
	Weight       ledger.Amount  // Weight is the delegated voting weight
	Channel      *network.Peer  // Channel is the peer the votes arrive on
	LastRequest  time.Time      // LastRequest is the last probe sent
	LastResponse time.Time      // LastResponse is the last vote received
}

// response is one queued (channel, vote) pair awaiting validation.
type response struct {
	peer *network.Peer
	vote *vote.Vote
}

// Crawler probes peers and maintains the representative index, readable by
// account, by descending weight and by channel.
type Crawler struct {
	cfg   Config
	node  *network.Node
	store *ledger.Store

	mu        sync.Mutex
	reps      map[ledger.Account]*Representative
	active    map[ledger.Hash]time.Time
	responses []response

	votes *lru.Cache[ledger.Hash, map[ledger.Account]struct{}]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a crawler over the given transport and ledger store.
func New(cfg Config, node *network.Node, store *ledger.Store) *Crawler {
	votes, _ := lru.New[ledger.Hash, map[ledger.Account]struct{}](voteCacheSize)

	return &Crawler{
		cfg:    cfg,
		node:   node,
		store:  store,
		reps:   make(map[ledger.Account]*Representative),
		active: make(map[ledger.Hash]time.Time),
		votes:  votes,
		stop:   make(chan struct{}),
	}
}

// Start launches the crawl loop.
func (c *Crawler) Start() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.loop()
	}()
}

// Stop terminates the crawl loop.
func (c *Crawler) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// loop runs one crawl round and sleeps; the interval relaxes once known
// weight is sufficient.
func (c *Crawler) loop() {
	for {
		c.ongoingCrawl()

		var interval time.Duration
		switch {
		case c.cfg.DevNetwork:
			interval = 100 * time.Millisecond
		case c.sufficientWeight():
			interval = 7 * time.Second
		default:
			interval = 3 * time.Second
		}

		select {
		case <-c.stop:
			return
		case <-time.After(interval):
		}
	}
}

// ongoingCrawl is one round: prune, revalidate, query.
func (c *Crawler) ongoingCrawl() {
	c.cleanupReps()
	c.updateWeights()
	c.Validate()
	c.query(c.crawlTargets())
	c.expireActive()
}

// sufficientWeight reports whether known representative weight exceeds the
// online minimum.
func (c *Crawler) sufficientWeight() bool {
	return c.TotalWeight().Cmp(c.cfg.OnlineWeightMinimum) > 0
}

// crawlTargets picks the peers to probe this round: more of them while the
// known weight is low, plus a random sample to catch reps that did not
// respond when first observed.
func (c *Crawler) crawlTargets() []*network.Peer {
	count := conservativeCount
	if !c.sufficientWeight() {
		count = aggressiveCount
	}

	count += count / 2

	return c.node.RandomPeers(count)
}

// query sends a confirm-request for a random ledger block to each target
// and registers the challenge hash.
func (c *Crawler) query(targets []*network.Peer) {
	if len(targets) == 0 {
		return
	}

	hash, root, err := c.randomChallenge()
	if err != nil || hash.IsZero() {
		return
	}

	c.mu.Lock()
	c.active[hash] = time.Now()
	c.mu.Unlock()

	req := &network.ConfirmReq{Pairs: []network.HashRoot{{Hash: hash, Root: root}}}

	for _, p := range targets {
		c.onRepRequest(p)

		if err := p.SendConfirmReq(req); err != nil {
			logger.Debug("confirm req send failed", "peer", p.Address(), "error", err)
		}
	}
}

// randomChallenge picks a random stored block, retrying a few times to
// avoid re-sending an active challenge.
func (c *Crawler) randomChallenge() (ledger.Hash, ledger.Hash, error) {
	var hash, root ledger.Hash
	var err error

	for i := 0; i <= challengeRetries; i++ {
		var seed ledger.Hash
		rand.Read(seed[:])

		hash, root, err = c.store.RandomBlock(seed)
		if err != nil || hash.IsZero() {
			return hash, root, err
		}

		c.mu.Lock()
		_, dup := c.active[hash]
		c.mu.Unlock()

		if !dup {
			break
		}
	}

	return hash, root, err
}

// Response queues an incoming vote whose hashes match an active challenge.
// Every verified vote also feeds the recent-votes index. Returns false if
// the vote was unusable.
func (c *Crawler) Response(peer *network.Peer, v *vote.Vote) bool {
	if !v.Verify() {
		return false
	}

	c.recordVote(v)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range v.Hashes {
		if _, ok := c.active[h]; ok {
			c.responses = append(c.responses, response{peer: peer, vote: v})
			return true
		}
	}

	return false
}

// recordVote indexes the voter under each voted hash.
func (c *Crawler) recordVote(v *vote.Vote) {
	for _, h := range v.Hashes {
		voters, ok := c.votes.Get(h)
		if !ok {
			voters = make(map[ledger.Account]struct{})
		}

		voters[v.Account] = struct{}{}
		c.votes.Add(h, voters)
	}
}

// VotersOf returns the accounts recently seen voting for a hash.
func (c *Crawler) VotersOf(h ledger.Hash) []ledger.Account {
	voters, ok := c.votes.Get(h)
	if !ok {
		return nil
	}

	accounts := make([]ledger.Account, 0, len(voters))
	for a := range voters {
		accounts = append(accounts, a)
	}

	return accounts
}

// Validate drains the queued responses and upserts representatives whose
// ledger weight clears the principal minimum.
func (c *Crawler) Validate() {
	c.mu.Lock()
	queued := c.responses
	c.responses = nil
	c.mu.Unlock()

	for _, r := range queued {
		weight, err := c.store.Weight(r.vote.Account)
		if err != nil {
			logger.Error("weight lookup", "account", r.vote.Account, "error", err)
			continue
		}

		if weight.Cmp(c.cfg.MinimumPrincipalWeight) < 0 {
			continue
		}

		c.mu.Lock()
		existing, ok := c.reps[r.vote.Account]
		if ok {
			existing.LastResponse = time.Now()
			existing.Weight = weight

			// Update if representative channel was changed
			if existing.Channel != r.peer {
				existing.Channel = r.peer
			}
		} else {
			c.reps[r.vote.Account] = &Representative{
				Account:      r.vote.Account,
				Weight:       weight,
				Channel:      r.peer,
				LastResponse: time.Now(),
			}

			logger.Info("found a representative", "account", r.vote.Account, "peer", peerAddr(r.peer))
		}
		c.mu.Unlock()
	}
}

// peerAddr formats a channel address, tolerating absent channels.
func peerAddr(p *network.Peer) string {
	if p == nil {
		return ""
	}

	return p.Address()
}

// onRepRequest stamps the probe time on all reps behind the channel.
func (c *Crawler) onRepRequest(peer *network.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rep := range c.reps {
		if rep.Channel == peer {
			rep.LastRequest = time.Now()
		}
	}
}

// cleanupReps drops representatives whose channels left the peer table.
func (c *Crawler) cleanupReps() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for account, rep := range c.reps {
		if rep.Channel == nil || rep.Channel.Closed() || !c.node.IsConnected(rep.Channel) {
			delete(c.reps, account)
		}
	}
}

// updateWeights refreshes ledger weights and drops non-representatives.
func (c *Crawler) updateWeights() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for account, rep := range c.reps {
		weight, err := c.store.Weight(account)
		if err != nil {
			continue
		}

		if weight.IsZero() {
			delete(c.reps, account)
			continue
		}

		rep.Weight = weight
	}
}

// expireActive forgets challenges older than the active window.
func (c *Crawler) expireActive() {
	cutoff := time.Now().Add(-activeWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	for h, t := range c.active {
		if t.Before(cutoff) {
			delete(c.active, h)
		}
	}
}

// Representatives returns up to count representatives above the weight
// floor, in descending weight order.
func (c *Crawler) Representatives(count int, minimum ledger.Amount) []Representative {
	c.mu.Lock()
	all := make([]Representative, 0, len(c.reps))
	for _, rep := range c.reps {
		if rep.Weight.Cmp(minimum) > 0 {
			all = append(all, *rep)
		}
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Weight.Cmp(all[j].Weight) > 0
	})

	if len(all) > count {
		all = all[:count]
	}

	return all
}

// PrincipalRepresentatives returns up to count reps above the principal
// weight minimum.
func (c *Crawler) PrincipalRepresentatives(count int) []Representative {
	return c.Representatives(count, c.cfg.MinimumPrincipalWeight)
}

// TotalWeight sums the weight of all known representatives.
func (c *Crawler) TotalWeight() ledger.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total ledger.Amount
	for _, rep := range c.reps {
		total = total.Add(rep.Weight)
	}

	return total
}

// Count returns the number of indexed representatives.
func (c *Crawler) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.reps)
}

// IsPrincipal reports whether the given node public key belongs to a known
// principal representative's channel.
func (c *Crawler) IsPrincipal(pub ed25519.PublicKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rep := range c.reps {
		if rep.Channel != nil && rep.Channel.PublicKey().Equal(pub) &&
			rep.Weight.Cmp(c.cfg.MinimumPrincipalWeight) > 0 {
			return true
		}
	}

	return false
}
