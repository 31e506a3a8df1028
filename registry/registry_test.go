package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// smallConfig shrinks LeafBits so directory-growth and multi-leaf
// scenarios don't require allocating real megabyte-sized Leaves.
func smallConfig() Config {
	return Config{LeafBits: 1 << 10}
}

// S1: set(0); get(0) -> true
func TestRegistry_SetThenGet(t *testing.T) {
	r := New(smallConfig())
	r.Set(0)
	assert.True(t, r.Get(0))
}

// S2: set(5); test_and_clear(5); get(5) -> (true, false)
func TestRegistry_SetTestAndClearThenGet(t *testing.T) {
	r := New(smallConfig())
	r.Set(5)

	assert.True(t, r.TestAndClear(5))
	assert.False(t, r.Get(5))
}

// S3: test_and_clear(42) from empty state -> false
func TestRegistry_TestAndClearOnEmptyRegistry(t *testing.T) {
	r := New(smallConfig())
	assert.False(t, r.TestAndClear(42))
}

// Invariant 1: get(k) == false for every k before any set.
func TestRegistry_InitialStateIsAbsent(t *testing.T) {
	r := New(smallConfig())
	for _, k := range []uint64{0, 1, 1000, 1 << 40} {
		assert.False(t, r.Get(k), "key %d", k)
	}
}

// Invariant 2: idempotent set.
func TestRegistry_SetIsIdempotent(t *testing.T) {
	r := New(smallConfig())
	for i := 0; i < 5; i++ {
		r.Set(7)
	}
	assert.True(t, r.Get(7))
}

// Invariant 3: test_and_clear semantics on unset and set keys.
func TestRegistry_TestAndClearSemantics(t *testing.T) {
	r := New(smallConfig())

	assert.False(t, r.TestAndClear(3), "unset key must return false and change nothing")
	assert.False(t, r.Get(3))

	r.Set(3)
	assert.True(t, r.TestAndClear(3), "set key must return true and clear")
	assert.False(t, r.Get(3))
}

// Invariant 4: independence of distinct keys.
func TestRegistry_KeysAreIndependent(t *testing.T) {
	r := New(smallConfig())
	r.Set(1)

	assert.True(t, r.Get(1))
	assert.False(t, r.Get(2))

	r.TestAndClear(2)
	assert.True(t, r.Get(1), "clearing an unrelated key must not affect key 1")
}

// S4: set across multiple root segments exercises directory growth and
// that each key is independently retrievable.
func TestRegistry_MultipleRootSegments(t *testing.T) {
	r := New(smallConfig())
	leafBits := r.cfg.LeafBits

	keys := []uint64{0, 1, 2, leafBits, leafBits + 1, 2 * leafBits}
	for _, k := range keys {
		r.Set(k)
	}
	for _, k := range keys {
		assert.True(t, r.Get(k), "key %d", k)
	}

	_, numLeaves := r.Stats()
	assert.Equal(t, 3, numLeaves, "expected 3 distinct Leaves for 3 distinct root segments")
}

// S5: [0, 100_000) is split into 16 disjoint chunks, one per goroutine;
// each goroutine calls Set(i) then TestAndClear(i) for every i in its
// chunk. At the end every Get(i) == false and each TestAndClear
// returned true exactly once per key.
func TestRegistry_ConcurrentSetAndClearAcrossDisjointKeys(t *testing.T) {
	r := New(smallConfig())
	const n = 100_000
	const workers = 16

	var wg sync.WaitGroup
	missed := make([]int32, workers)
	chunk := n / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				r.Set(uint64(i))
				if !r.TestAndClear(uint64(i)) {
					missed[w]++
				}
			}
		}(w, lo, hi)
	}
	wg.Wait()

	for w, m := range missed {
		assert.Zero(t, m, "worker %d: TestAndClear returned false at least once for its own just-set key", w)
	}

	for i := 0; i < n; i++ {
		assert.False(t, r.Get(uint64(i)), "key %d", i)
	}
}

// S6: single Set(k) followed by 8 concurrent TestAndClear(k) -> exactly
// one returns true, seven return false.
func TestRegistry_ConcurrentTestAndClearSameKeyExactlyOneWinner(t *testing.T) {
	r := New(smallConfig())
	r.Set(42)

	const n = 8
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.TestAndClear(42)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, got := range results {
		if got {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.False(t, r.Get(42))
}

// Invariant 7: directory growth reaches the smallest power of two >=
// max(8, M) after M distinct root segments. Sortedness of the entries is
// checked in internal/directory's tests.
func TestRegistry_DirectoryGrowthMatchesEntryCount(t *testing.T) {
	r := New(smallConfig())
	leafBits := r.cfg.LeafBits

	for i := uint64(0); i < 20; i++ {
		r.Set(i * leafBits)
	}

	capacity, numLeaves := r.Stats()
	assert.Equal(t, 20, numLeaves)
	assert.GreaterOrEqual(t, capacity, 20)
	assert.Equal(t, capacity, nextPowerOfTwo(20))
}

func nextPowerOfTwo(n int) int {
	p := 8
	for p < n {
		p *= 2
	}
	return p
}

func TestRegistry_DefaultSingletonIsUsable(t *testing.T) {
	// Uses the process-wide Default; keys are chosen far from other
	// tests' ranges to avoid cross-test interference within the shared
	// singleton (the whole point of Default is that it has no reset).
	const key = uint64(1) << 50
	Set(key)
	assert.True(t, Get(key))
	assert.True(t, TestAndClear(key))
	assert.False(t, Get(key))
}
