package kalman

import (
	"time"

	"github.com/maypok86/otter"
)

const (
	registryCapacity = 100_000
	registryIdleTTL  = 10 * time.Minute
)

// Registry hands out per-user filters. Entries expire after an idle period
// so REST-only users do not pin filters forever; socket connections call
// Release on disconnect once no other connection owns the user.
type Registry struct {
	cache otter.CacheWithVariableTTL[string, *Filter]
}

// NewRegistry creates a bounded filter registry.
func NewRegistry() *Registry {
	cache, err := otter.MustBuilder[string, *Filter](registryCapacity).
		Cost(func(_ string, _ *Filter) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("kalman: failed to create filter registry: " + err.Error())
	}
	return &Registry{cache: cache}
}

// Get returns the user's filter, creating one on first use. Each call
// refreshes the idle TTL.
func (r *Registry) Get(userID string) *Filter {
	if f, ok := r.cache.Get(userID); ok {
		r.cache.Set(userID, f, registryIdleTTL)
		return f
	}
	f := NewFilter()
	r.cache.Set(userID, f, registryIdleTTL)
	return f
}

// Release drops the user's filter. The next Get starts fresh.
func (r *Registry) Release(userID string) {
	r.cache.Delete(userID)
}

// Len returns the number of live filters.
func (r *Registry) Len() int {
	return r.cache.Size()
}
