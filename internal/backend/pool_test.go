package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typemux-cc/internal/protocol"
)

func newIdleInstance(pool *Pool, key string, lastUsed time.Time) *Instance {
	inst := NewInstance(key, pool.NextSession(), nil, 0)
	inst.LastUsed = lastUsed
	pool.Insert(inst)
	return inst
}

func TestSessionIDsStrictlyMonotonic(t *testing.T) {
	pool := NewPool(8, 0)
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		s := pool.NextSession()
		require.Greater(t, s, prev)
		prev = s
	}
}

func TestPoolCapacityAndKeys(t *testing.T) {
	pool := NewPool(2, 0)
	assert.False(t, pool.IsFull())

	newIdleInstance(pool, "/a/.venv", time.Now())
	newIdleInstance(pool, "/b/.venv", time.Now())

	assert.True(t, pool.IsFull())
	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, []string{"/a/.venv", "/b/.venv"}, pool.Keys())

	// One instance per key: reinsertion replaces.
	newIdleInstance(pool, "/a/.venv", time.Now())
	assert.Equal(t, 2, pool.Len())
}

func TestPoolRemove(t *testing.T) {
	pool := NewPool(4, 0)
	inst := newIdleInstance(pool, "/a/.venv", time.Now())

	got := pool.Remove("/a/.venv")
	assert.Same(t, inst, got)
	assert.Nil(t, pool.Remove("/a/.venv"))
	assert.False(t, pool.Contains("/a/.venv"))
}

func TestLRUPrefersIdleBackends(t *testing.T) {
	pool := NewPool(3, 0)
	now := time.Now()

	oldest := newIdleInstance(pool, "/old/.venv", now.Add(-3*time.Hour))
	newIdleInstance(pool, "/mid/.venv", now.Add(-2*time.Hour))
	newIdleInstance(pool, "/new/.venv", now.Add(-1*time.Hour))

	pending := map[*Instance]int{oldest: 2}
	key := pool.LRUKey(func(i *Instance) int { return pending[i] })

	// The busy oldest backend is skipped in favor of the idle runner-up.
	assert.Equal(t, "/mid/.venv", key)
}

func TestLRUQueueCountsAsBusy(t *testing.T) {
	pool := NewPool(2, 0)
	now := time.Now()

	warming := NewInstance("/old/.venv", pool.NextSession(), nil, time.Second)
	warming.LastUsed = now.Add(-2 * time.Hour)
	warming.Enqueue(protocol.NewNumberID(9), []byte(`{}`))
	pool.Insert(warming)

	newIdleInstance(pool, "/new/.venv", now.Add(-1*time.Hour))

	key := pool.LRUKey(func(*Instance) int { return 0 })
	assert.Equal(t, "/new/.venv", key)
}

func TestLRUFallsBackToOldestWhenAllBusy(t *testing.T) {
	pool := NewPool(2, 0)
	now := time.Now()

	a := newIdleInstance(pool, "/a/.venv", now.Add(-2*time.Hour))
	b := newIdleInstance(pool, "/b/.venv", now.Add(-1*time.Hour))

	pending := map[*Instance]int{a: 1, b: 1}
	key := pool.LRUKey(func(i *Instance) int { return pending[i] })
	assert.Equal(t, "/a/.venv", key)
}

func TestExpiredKeys(t *testing.T) {
	pool := NewPool(4, 30*time.Minute)
	now := time.Now()

	newIdleInstance(pool, "/stale/.venv", now.Add(-time.Hour))
	newIdleInstance(pool, "/fresh/.venv", now.Add(-time.Minute))

	assert.Equal(t, []string{"/stale/.venv"}, pool.ExpiredKeys(now))
}

func TestExpiredKeysDisabledTTL(t *testing.T) {
	pool := NewPool(4, 0)
	newIdleInstance(pool, "/stale/.venv", time.Now().Add(-24*time.Hour))
	assert.Empty(t, pool.ExpiredKeys(time.Now()))
}

func TestNearestWarmupDeadline(t *testing.T) {
	pool := NewPool(4, 0)

	_, found := pool.NearestWarmupDeadline()
	assert.False(t, found)

	early := NewInstance("/a/.venv", pool.NextSession(), nil, time.Second)
	late := NewInstance("/b/.venv", pool.NextSession(), nil, 10*time.Second)
	pool.Insert(early)
	pool.Insert(late)

	deadline, found := pool.NearestWarmupDeadline()
	require.True(t, found)
	assert.Equal(t, early.WarmupDeadline, deadline)

	early.MarkReady()
	deadline, found = pool.NearestWarmupDeadline()
	require.True(t, found)
	assert.Equal(t, late.WarmupDeadline, deadline)
}

func TestWarmingPastDeadline(t *testing.T) {
	pool := NewPool(4, 0)
	a := NewInstance("/a/.venv", pool.NextSession(), nil, time.Millisecond)
	b := NewInstance("/b/.venv", pool.NextSession(), nil, time.Hour)
	pool.Insert(a)
	pool.Insert(b)

	past := pool.WarmingPastDeadline(time.Now().Add(time.Second))
	require.Len(t, past, 1)
	assert.Same(t, a, past[0])
}

func TestSingle(t *testing.T) {
	pool := NewPool(4, 0)
	assert.Nil(t, pool.Single())

	only := newIdleInstance(pool, "/a/.venv", time.Now())
	assert.Same(t, only, pool.Single())

	newIdleInstance(pool, "/b/.venv", time.Now())
	assert.Nil(t, pool.Single())
}
