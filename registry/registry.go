// Package registry is the core of the allocation-hardening shim: a
// sparse, two-level, lock-amortized bitmap keyed by
// user-pointer-divided-by-MIN_ALIGN, tracking which pointers are
// currently live. It lets the allocator shim's Deallocate, Reallocate,
// and UsableSize reject invalid pointers (double-free, wild free, free
// of a non-allocated address) instead of corrupting the heap.
//
// The registry is unavoidable process-global state — it instruments a
// process-global allocator — and ships as both a package-level
// singleton (Get/Set/TestAndClear, for the common case of one registry
// per process) and an explicit *Registry type (New) for tests that want
// an isolated instance with a shrunk Config.
package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfly/allocguard/internal/bitleaf"
	"github.com/cloudfly/allocguard/internal/directory"
	"github.com/cloudfly/allocguard/internal/latch"
	"github.com/cloudfly/allocguard/internal/stats"
)

// Registry is the presence-tracking facade: Get, Set, and TestAndClear
// on an integer key, decomposing the key into (root-segment,
// word-offset, bit-offset) and routing between the shared fast path and
// the exclusive slow path.
type Registry struct {
	cfg          Config
	wordsPerLeaf uint64

	gate    latch.Gate
	dir     *directory.Directory
	metrics *stats.Metrics
}

// New returns a Registry configured by cfg. A Registry is only usable
// once dir is set here, so New is the only supported constructor —
// there is no usable zero-value Registry. The package-level singleton
// is built with New as well (see Default); only its Gate starts from
// the zero value.
func New(cfg Config) *Registry {
	cfg = cfg.validate()
	return &Registry{
		cfg:          cfg,
		wordsPerLeaf: cfg.LeafBits / bitleaf.WordBits,
		dir:          directory.New(cfg.wordsPerLeaf()),
	}
}

// decompose splits a key into its root segment, the word offset within
// that segment's Leaf, and the bit offset within that word.
func (r *Registry) decompose(key uint64) (rootSegment uint64, wordOffset int, bitOffset uint) {
	bitOffset = uint(key % bitleaf.WordBits)
	wordIndexGlobal := key / bitleaf.WordBits
	wordOffset = int(wordIndexGlobal % r.wordsPerLeaf)
	rootSegment = wordIndexGlobal / r.wordsPerLeaf
	return
}

// Get reports whether key is currently registered as present.
func (r *Registry) Get(key uint64) bool {
	rootSegment, wordOffset, bitOffset := r.decompose(key)

	r.gate.RLock()
	defer r.gate.RUnlock()

	leaf, ok := r.dir.Lookup(rootSegment)
	if !ok {
		return false
	}
	word := leaf.Load(wordOffset)
	return (word>>bitOffset)&1 == 1
}

// TestAndClear atomically clears key's bit and reports whether it was
// set beforehand. This is the deallocation gate: callers proceed to
// free only when TestAndClear returns true. Because the clear and the
// read of the prior state happen as a single atomic RMW, two concurrent
// TestAndClear calls on the same key can never both observe the bit set
// — which is exactly the double-free defense.
func (r *Registry) TestAndClear(key uint64) bool {
	rootSegment, wordOffset, bitOffset := r.decompose(key)

	r.gate.RLock()
	defer r.gate.RUnlock()

	leaf, ok := r.dir.Lookup(rootSegment)
	if !ok {
		return false
	}
	mask := uint64(1) << bitOffset
	old := leaf.FetchAndNot(wordOffset, mask)
	return old&mask != 0
}

// Set marks key present. It is idempotent: calling Set repeatedly on an
// already-registered key is benign (though it would typically indicate
// a caller bug, since the allocator shim only calls Set once per
// allocation).
//
// The fast path takes the Gate shared and ORs the bit into an existing
// Leaf. On a miss, it releases the shared hold, re-acquires the Gate
// exclusively, and calls the Directory's GetOrInsertLeaf — which
// re-searches rather than blindly inserting, since another writer may
// have installed the Leaf in the window between the two acquisitions.
func (r *Registry) Set(key uint64) {
	rootSegment, wordOffset, bitOffset := r.decompose(key)
	mask := uint64(1) << bitOffset

	r.gate.RLock()
	if leaf, ok := r.dir.Lookup(rootSegment); ok {
		leaf.FetchOr(wordOffset, mask)
		r.gate.RUnlock()
		return
	}
	r.gate.RUnlock()

	// Slow path: another writer may install the Leaf between the
	// RUnlock above and the Lock below, so GetOrInsertLeaf re-searches
	// rather than assuming the miss still holds.
	r.gate.Lock()
	leaf := r.dir.GetOrInsertLeaf(rootSegment)
	r.gate.Unlock()
	leaf.FetchOr(wordOffset, mask)
}

// Stats reports directory shape, for internal/stats and tests.
func (r *Registry) Stats() (capacity, numLeaves int) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	return r.dir.Capacity(), r.dir.NumEntries()
}

// RegisterMetrics creates and registers Prometheus instruments for this
// Registry's directory growth and leaf count, wiring the directory's
// growth counter and priming the gauges from the current snapshot. The
// allocator shim records its own rejected-deallocation counter
// against the same Metrics once attached (see allocshim's
// Shim.WithMetrics).
func (r *Registry) RegisterMetrics(reg prometheus.Registerer) *stats.Metrics {
	m := stats.New(reg)
	r.dir.SetMetrics(m)
	capacity, numLeaves := r.Stats()
	m.Sample(capacity, numLeaves)
	r.metrics = m
	return m
}

// Metrics returns the Metrics registered via RegisterMetrics, or nil if
// none have been registered.
func (r *Registry) Metrics() *stats.Metrics {
	return r.metrics
}

// Default is the process-wide singleton registry, built with
// DefaultConfig at package init. Spec.md requires the registry to be a
// zero-initialized singleton with no explicit init step; Go has no safe
// zero-value *Registry (the Directory's wordsPerLeaf must be set before
// first use), so an eagerly-built package-level pointer, constructed
// once during package initialization before any goroutine can call
// Get/Set/TestAndClear, stands in for that zero-init guarantee.
var Default = New(DefaultConfig())

// Get queries Default.
func Get(key uint64) bool { return Default.Get(key) }

// Set registers key in Default.
func Set(key uint64) { Default.Set(key) }

// TestAndClear atomically clears key in Default.
func TestAndClear(key uint64) bool { return Default.TestAndClear(key) }
