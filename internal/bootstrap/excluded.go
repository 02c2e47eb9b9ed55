package bootstrap

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// excludedSize caps tracked misbehaving endpoints.
	excludedSize = 5000

	// excludedBanTime is how long a ban lasts; strikes also expire with it.
	excludedBanTime = 1 * time.Hour

	// excludedStrikes is how many strikes ban an endpoint.
	excludedStrikes = 2
)

// ExcludedPeers tracks misbehaving bootstrap endpoints. Two strikes ban an
// endpoint for an hour; bans are advisory and never persisted.
type ExcludedPeers struct {
	cache *lru.LRU[string, int]
}

// NewExcludedPeers creates an empty exclusion list.
func NewExcludedPeers() *ExcludedPeers {
	return &ExcludedPeers{
		cache: lru.NewLRU[string, int](excludedSize, nil, excludedBanTime),
	}
}

// Add records one strike against an endpoint and returns the strike count.
func (e *ExcludedPeers) Add(endpoint string) int {
	strikes, _ := e.cache.Get(endpoint)
	strikes++
	e.cache.Add(endpoint, strikes)

	return strikes
}

// IsExcluded reports whether the endpoint is currently banned.
func (e *ExcludedPeers) IsExcluded(endpoint string) bool {
	strikes, ok := e.cache.Get(endpoint)
	return ok && strikes >= excludedStrikes
}

// Remove clears an endpoint's strikes.
func (e *ExcludedPeers) Remove(endpoint string) {
	e.cache.Remove(endpoint)
}

// Len returns the number of tracked endpoints.
func (e *ExcludedPeers) Len() int {
	return e.cache.Len()
}
