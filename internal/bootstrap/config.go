package bootstrap

import "time"

// Tuning limits of the bootstrap subsystem. Dev-network values trade safety
// margins for fast tests.
const (
	// connectionWarmupTime is how long an exchange may run before the
	// throughput floor applies.
	connectionWarmupTime = 1 * time.Second

	// minimumFrontierBlocksPerSec is the frontier-stream throughput floor.
	minimumFrontierBlocksPerSec = 1000.0

	// minimumBlocksPerSec is the bulk-pull throughput floor.
	minimumBlocksPerSec = 10.0

	// minimumElapsedSeconds avoids division spikes right after warmup.
	minimumElapsedSeconds = 0.5

	// bulkPushCostLimit stops accumulating push targets once the local
	// view diverges too far for pushing to help.
	bulkPushCostLimit = 200

	// frontierBatchSize bounds account reads per store visit.
	frontierBatchSize = 128

	// maxConfirmFrontiers caps frontier-confirmation candidates and the
	// recent-pulls window.
	maxConfirmFrontiers = 70

	// requiredFrontierConfirmationRatio is the fraction of candidate
	// frontiers that must confirm.
	requiredFrontierConfirmationRatio = 0.8

	// frontierConfirmationBlocksLimit triggers confirmation on large
	// bootstraps.
	frontierConfirmationBlocksLimit = 128 * 1024

	// requeuedPullsLimit triggers frontier confirmation on persistent pull
	// trouble; the dev value keeps tests short.
	requeuedPullsLimit    = 256
	requeuedPullsLimitDev = 10

	// lazyExpiryConfirmed and lazyExpiryUnconfirmed bound a lazy attempt's
	// lifetime depending on whether the seed is known cemented.
	lazyExpiryConfirmed   = 5 * time.Minute
	lazyExpiryUnconfirmed = 1 * time.Minute

	// lazyBatchSize is the number of pending hashes drained per round.
	lazyBatchSize = 64

	// lazyMaxPullCount caps blocks per lazy pull.
	lazyMaxPullCount = 512

	// lazyMaxBlocks caps the total blocks one lazy attempt processes.
	lazyMaxBlocks = 1024 * 1024

	// frontierRetryLimit and lazyRetryLimit are per-pull retry budgets.
	frontierRetryLimit = 16
	lazyRetryLimit     = 8
)

// Config carries the runtime knobs of the bootstrap subsystem.
type Config struct {
	// Connections is the number of concurrent pull workers.
	Connections int

	// ConnectionsMax caps total pooled client connections.
	ConnectionsMax int

	// MaxIdle caps idle pooled connections per endpoint.
	MaxIdle int

	// IdleTimeout closes idle connections on the periodic sweep.
	IdleTimeout time.Duration

	// IOTimeout is the wall-clock budget of one exchange.
	IOTimeout time.Duration

	// DisableBulkPushClient skips the PUSHING phase of legacy attempts.
	DisableBulkPushClient bool

	// LazyDestinationsScan also walks destination accounts discovered from
	// send blocks when the lazy seed is not confirmed.
	LazyDestinationsScan bool

	// DevNetwork selects dev timings and limits.
	DevNetwork bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Connections:    4,
		ConnectionsMax: 64,
		MaxIdle:        8,
		IdleTimeout:    2 * time.Minute,
		IOTimeout:      15 * time.Second,
	}
}

// requeueLimit returns the requeued-pulls ceiling for this network.
func (c Config) requeueLimit() int {
	if c.DevNetwork {
		return requeuedPullsLimitDev
	}

	return requeuedPullsLimit
}

// confirmReqPacing is the delay between frontier-confirmation rounds.
func (c Config) confirmReqPacing() time.Duration {
	if c.DevNetwork {
		return 25 * time.Millisecond
	}

	return 500 * time.Millisecond
}
