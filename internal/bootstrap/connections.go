package bootstrap

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/network"
	"Strata/internal/processor"
)

// client is one pooled bootstrap connection to a remote peer. It is either
// idle in the pool or leased to exactly one exchange.
type client struct {
	endpoint  string        // endpoint is the remote address
	peer      *network.Peer // peer is the underlying QUIC connection
	lastUsed  time.Time     // lastUsed drives the idle sweep
	attemptID uint64        // attemptID is the lease owner, 0 while idle
}

// open opens the exchange stream on the leased connection.
func (c *client) open(ctx context.Context) (Stream, error) {
	return c.peer.OpenStream(ctx)
}

// Connections owns the shared pull queue, the bounded pool of bootstrap
// clients and the workers dispatching pulls over them.
type Connections struct {
	cfg      Config
	node     *network.Node
	store    *ledger.Store
	proc     *processor.Processor
	metrics  *Metrics
	excluded *ExcludedPeers

	queue  *pullQueue
	stopCh chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*client
	leased  map[*client]struct{}
	total   int
	sources []string
	stopped bool

	wg sync.WaitGroup
}

// NewConnections creates the pool. Run starts its workers.
func NewConnections(cfg Config, node *network.Node, store *ledger.Store, proc *processor.Processor, metrics *Metrics) *Connections {
	cs := &Connections{
		cfg:      cfg,
		node:     node,
		store:    store,
		proc:     proc,
		metrics:  metrics,
		excluded: NewExcludedPeers(),
		queue:    newPullQueue(),
		stopCh:   make(chan struct{}),
		leased:   make(map[*client]struct{}),
	}
	cs.cond = sync.NewCond(&cs.mu)

	return cs
}

// Run starts the pull workers and the idle sweep.
func (cs *Connections) Run() {
	for i := 0; i < cs.cfg.Connections; i++ {
		cs.wg.Add(1)
		go func() {
			defer cs.wg.Done()
			cs.worker()
		}()
	}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		cs.sweepLoop()
	}()
}

// Stop closes the queue and every connection, and waits for the workers.
func (cs *Connections) Stop() {
	cs.mu.Lock()
	if cs.stopped {
		cs.mu.Unlock()
		return
	}
	cs.stopped = true
	close(cs.stopCh)
	clients := make([]*client, 0, len(cs.idle)+len(cs.leased))
	clients = append(clients, cs.idle...)
	for c := range cs.leased {
		clients = append(clients, c)
	}
	cs.idle = nil
	cs.mu.Unlock()
	cs.cond.Broadcast()

	for _, c := range clients {
		c.peer.Close()
	}

	cs.queue.close()
	cs.wg.Wait()
}

// AddSource registers a candidate endpoint for new connections.
func (cs *Connections) AddSource(endpoint string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, s := range cs.sources {
		if s == endpoint {
			return
		}
	}

	cs.sources = append(cs.sources, endpoint)
}

// Excluded returns the peer exclusion list.
func (cs *Connections) Excluded() *ExcludedPeers {
	return cs.excluded
}

// AddPull queues one pull for the attempt. The attempt's pulling count
// covers the pull until it completes or is dropped.
func (cs *Connections) AddPull(a attempt, pull PullInfo) {
	if pull.HeadOriginal.IsZero() {
		pull.HeadOriginal = pull.Head
	}
	pull.AttemptID = a.ID()

	a.pullStarted()
	cs.queue.pushBack(queuedPull{pull: pull, attempt: a})
}

// PullQueueSize returns the number of queued pulls.
func (cs *Connections) PullQueueSize() int {
	return cs.queue.size()
}

// ClearPulls evicts queued pulls of one attempt and force-closes its leased
// connections; in-flight exchanges observe the closure and fail fast.
func (cs *Connections) ClearPulls(a attempt) {
	for range cs.queue.clearForAttempt(a.ID()) {
		a.pullFinished()
	}

	cs.mu.Lock()
	var closing []*client
	for c := range cs.leased {
		if c.attemptID == a.ID() {
			closing = append(closing, c)
		}
	}
	cs.mu.Unlock()
	cs.cond.Broadcast()

	for _, c := range closing {
		c.peer.Close()
	}
}

// Lease returns a connection for the attempt, reusing an idle one when the
// endpoint matches (any endpoint if empty), dialing otherwise. Blocks while
// the pool is saturated until a slot frees or the attempt stops.
func (cs *Connections) Lease(a attempt, endpoint string) (*client, error) {
	cs.mu.Lock()

	for {
		if cs.stopped || a.Stopped() {
			cs.mu.Unlock()
			return nil, ErrStopped
		}

		if c := cs.takeIdleLocked(endpoint); c != nil {
			c.attemptID = a.ID()
			cs.leased[c] = struct{}{}
			cs.mu.Unlock()

			return c, nil
		}

		if cs.total < cs.cfg.ConnectionsMax {
			break
		}

		cs.cond.Wait()
	}

	cs.total++
	cs.mu.Unlock()

	c, err := cs.dial(endpoint)
	if err != nil {
		cs.mu.Lock()
		cs.total--
		cs.mu.Unlock()
		cs.cond.Signal()

		return nil, err
	}

	cs.mu.Lock()
	c.attemptID = a.ID()
	cs.leased[c] = struct{}{}
	cs.mu.Unlock()

	return c, nil
}

// Release returns a leased connection to the pool, or drops it after an
// exchange error.
func (cs *Connections) Release(c *client, failed bool) {
	cs.mu.Lock()
	delete(cs.leased, c)
	c.attemptID = 0

	if failed || cs.stopped || c.peer.Closed() {
		cs.total--
		cs.mu.Unlock()
		cs.cond.Signal()
		c.peer.Close()

		return
	}

	idlePerEndpoint := 0
	for _, ic := range cs.idle {
		if ic.endpoint == c.endpoint {
			idlePerEndpoint++
		}
	}

	if idlePerEndpoint >= cs.cfg.MaxIdle {
		cs.total--
		cs.mu.Unlock()
		cs.cond.Signal()
		c.peer.Close()

		return
	}

	c.lastUsed = time.Now()
	cs.idle = append(cs.idle, c)
	cs.mu.Unlock()
	cs.cond.Signal()
}

// takeIdleLocked pops an idle connection matching the endpoint, newest
// first. Empty endpoint matches any.
func (cs *Connections) takeIdleLocked(endpoint string) *client {
	for i := len(cs.idle) - 1; i >= 0; i-- {
		c := cs.idle[i]
		if endpoint != "" && c.endpoint != endpoint {
			continue
		}

		cs.idle = append(cs.idle[:i], cs.idle[i+1:]...)

		return c
	}

	return nil
}

// dial opens a new bootstrap connection to the endpoint, or to a random
// non-excluded source when endpoint is empty.
func (cs *Connections) dial(endpoint string) (*client, error) {
	if endpoint == "" {
		endpoint = cs.pickSource()
	}

	if endpoint == "" {
		return nil, errors.New("no bootstrap sources")
	}

	if cs.excluded.IsExcluded(endpoint) {
		return nil, errors.New("endpoint is excluded")
	}

	if cs.node == nil {
		return nil, errors.New("no transport")
	}

	peer, err := cs.node.Dial(endpoint)
	if err != nil {
		return nil, err
	}

	return &client{endpoint: endpoint, peer: peer, lastUsed: time.Now()}, nil
}

// pickSource returns a random registered source, falling back to a random
// live peer's address.
func (cs *Connections) pickSource() string {
	cs.mu.Lock()
	sources := append([]string(nil), cs.sources...)
	cs.mu.Unlock()

	var candidates []string
	for _, s := range sources {
		if !cs.excluded.IsExcluded(s) {
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 0 && cs.node != nil {
		for _, p := range cs.node.RandomPeers(8) {
			if !cs.excluded.IsExcluded(p.Address()) {
				candidates = append(candidates, p.Address())
			}
		}
	}

	if len(candidates) == 0 {
		return ""
	}

	return candidates[rand.Intn(len(candidates))]
}

// worker dequeues pulls and drives bulk-pull exchanges until the queue
// closes.
func (cs *Connections) worker() {
	for {
		item, ok := cs.queue.popWait()
		if !ok {
			return
		}

		a := item.attempt
		if a.Stopped() {
			a.pullFinished()
			continue
		}

		c, err := cs.Lease(a, "")
		if err != nil {
			cs.requeuePull(a, item.pull, err)
			continue
		}

		pull := item.pull
		err = cs.runBulkPull(c, a, &pull)
		if err == nil {
			cs.Release(c, false)
			a.pullSucceeded(&pull)
			a.pullFinished()

			continue
		}

		cs.Release(c, true)

		if errors.Is(err, ErrMalformedFrame) {
			if strikes := cs.excluded.Add(c.endpoint); strikes >= excludedStrikes {
				logger.Warn("bootstrap peer excluded", "endpoint", c.endpoint, "strikes", strikes)
			}
		}

		cs.requeuePull(a, pull, err)
	}
}

// requeuePull retries a failed pull at the front of the queue, or reports
// it exhausted once the retry budget is spent.
func (cs *Connections) requeuePull(a attempt, pull PullInfo, cause error) {
	if a.Stopped() || errors.Is(cause, ErrStopped) {
		a.pullFinished()
		return
	}

	pull.Attempts++

	if pull.Attempts < pull.RetryLimit {
		a.incRequeued()
		cs.queue.pushFront(queuedPull{pull: pull, attempt: a})

		logger.Debug("pull requeued",
			"account", pull.Account,
			"head", pull.Head,
			"attempts", pull.Attempts,
			"error", cause,
		)

		return
	}

	cs.metrics.PullFailed.Inc()
	logger.Info("pull failed",
		"account", pull.Account,
		"head", pull.HeadOriginal,
		"attempts", pull.Attempts,
		"id", pull.BootstrapID,
		"error", cause,
	)

	a.pullExhausted(&pull)
	a.pullFinished()
}

// sweepLoop closes idle connections past the idle timeout.
func (cs *Connections) sweepLoop() {
	interval := cs.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.stopCh:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cs.cfg.IdleTimeout)

		cs.mu.Lock()
		var kept, stale []*client
		for _, c := range cs.idle {
			if c.lastUsed.Before(cutoff) {
				stale = append(stale, c)
			} else {
				kept = append(kept, c)
			}
		}
		cs.idle = kept
		cs.total -= len(stale)
		cs.mu.Unlock()

		for _, c := range stale {
			c.peer.Close()
		}
		if len(stale) > 0 {
			cs.cond.Broadcast()
		}
	}
}
