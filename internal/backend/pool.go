package backend

import (
	"sort"
	"time"
)

// Pool is the venv-keyed set of live backends. It is a plain data structure;
// the proxy event loop is its only user, so there is no locking.
type Pool struct {
	backends    map[string]*Instance
	maxBackends int
	ttl         time.Duration
	nextSession uint64
}

// NewPool creates a pool with the given capacity and TTL. A zero ttl
// disables TTL eviction.
func NewPool(maxBackends int, ttl time.Duration) *Pool {
	return &Pool{
		backends:    make(map[string]*Instance),
		maxBackends: maxBackends,
		ttl:         ttl,
	}
}

// NextSession allocates a session id. Sessions are strictly monotonic and
// never reused for the process lifetime.
func (p *Pool) NextSession() uint64 {
	p.nextSession++
	return p.nextSession
}

// Get returns the live instance for key, or nil.
func (p *Pool) Get(key string) *Instance { return p.backends[key] }

// Contains reports whether a backend exists for key.
func (p *Pool) Contains(key string) bool {
	_, ok := p.backends[key]
	return ok
}

// Insert adds an instance under its key.
func (p *Pool) Insert(inst *Instance) { p.backends[inst.Key] = inst }

// Remove deletes and returns the instance for key, or nil.
func (p *Pool) Remove(key string) *Instance {
	inst := p.backends[key]
	delete(p.backends, key)
	return inst
}

// Len returns the number of live backends.
func (p *Pool) Len() int { return len(p.backends) }

// IsFull reports whether inserting another backend would exceed capacity.
func (p *Pool) IsFull() bool { return len(p.backends) >= p.maxBackends }

// MaxBackends returns the configured capacity.
func (p *Pool) MaxBackends() int { return p.maxBackends }

// TTL returns the configured idle TTL.
func (p *Pool) TTL() time.Duration { return p.ttl }

// Keys returns all pool keys, sorted for deterministic iteration.
func (p *Pool) Keys() []string {
	keys := make([]string, 0, len(p.backends))
	for k := range p.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Single returns the only live instance when the pool holds exactly one.
func (p *Pool) Single() *Instance {
	if len(p.backends) != 1 {
		return nil
	}
	for _, inst := range p.backends {
		return inst
	}
	return nil
}

// LRUKey picks the eviction victim: the least recently used backend among
// those with no pending requests and an empty warmup queue, falling back to
// the least recently used overall. pendingCount reports the caller-tracked
// in-flight requests for an instance.
func (p *Pool) LRUKey(pendingCount func(*Instance) int) string {
	var (
		idleKey string
		idleAt  time.Time
		anyKey  string
		anyAt   time.Time
	)

	for _, key := range p.Keys() {
		inst := p.backends[key]
		if anyKey == "" || inst.LastUsed.Before(anyAt) {
			anyKey, anyAt = key, inst.LastUsed
		}
		if pendingCount(inst) == 0 && inst.QueueLen() == 0 {
			if idleKey == "" || inst.LastUsed.Before(idleAt) {
				idleKey, idleAt = key, inst.LastUsed
			}
		}
	}

	if idleKey != "" {
		return idleKey
	}
	return anyKey
}

// ExpiredKeys returns the keys of backends idle past the TTL. Pending-request
// filtering is the caller's job.
func (p *Pool) ExpiredKeys(now time.Time) []string {
	if p.ttl == 0 {
		return nil
	}
	var out []string
	for _, key := range p.Keys() {
		if now.Sub(p.backends[key].LastUsed) >= p.ttl {
			out = append(out, key)
		}
	}
	return out
}

// NearestWarmupDeadline returns the earliest deadline among warming
// backends, if any.
func (p *Pool) NearestWarmupDeadline() (time.Time, bool) {
	var (
		nearest time.Time
		found   bool
	)
	for _, inst := range p.backends {
		if !inst.IsWarming() {
			continue
		}
		if !found || inst.WarmupDeadline.Before(nearest) {
			nearest = inst.WarmupDeadline
			found = true
		}
	}
	return nearest, found
}

// WarmingPastDeadline returns the warming backends whose deadline has
// passed.
func (p *Pool) WarmingPastDeadline(now time.Time) []*Instance {
	var out []*Instance
	for _, key := range p.Keys() {
		inst := p.backends[key]
		if inst.IsWarming() && !inst.WarmupDeadline.After(now) {
			out = append(out, inst)
		}
	}
	return out
}
