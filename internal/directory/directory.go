// Package directory implements the Root Directory: a sorted sparse
// array mapping a high-order key segment to a Leaf, growing by
// doubling. All mutation happens under the caller's exclusive Gate
// hold; Lookup is safe under a shared hold only.
//
// The entry array itself is ordinary Go-heap memory rather than
// arena-backed: each entry holds a live *bitleaf.Leaf pointer, and Go's
// garbage collector does not trace pointers stored inside a manually
// mmap'd region. Storing the only reference to a Leaf there would let
// the collector reclaim it out from under a reader. The Leaf's bitmap
// words — bulk, pointer-free uint64 data — are still obtained from
// internal/arena, which is what actually matters for never allocating
// through the instrumented allocator: Go's own runtime allocator is a
// different allocator than the C-style one the shim wraps, so growing
// the entry array with make/copy carries none of the infinite-recursion
// hazard that motivates the Arena in the first place. See DESIGN.md.
package directory

import (
	"go.uber.org/zap"

	"github.com/cloudfly/allocguard/internal/arena"
	"github.com/cloudfly/allocguard/internal/bitleaf"
	"github.com/cloudfly/allocguard/internal/rlog"
	"github.com/cloudfly/allocguard/internal/stats"
)

var log = rlog.New("directory")

type entry struct {
	rootSegment uint64
	leaf        *bitleaf.Leaf
}

// Directory is the Root Directory. Its zero value has capacity 0 and no
// entries, matching the registry's zero-initialized singleton lifecycle.
type Directory struct {
	entries      []entry // len(entries) == capacity; only [:numEntries] are live
	numEntries   int
	wordsPerLeaf int
	metrics      *stats.Metrics
}

// New returns an empty Directory whose Leaves will each hold
// wordsPerLeaf atomic words (LeafBits / bitleaf.WordBits).
func New(wordsPerLeaf int) *Directory {
	return &Directory{wordsPerLeaf: wordsPerLeaf}
}

// SetMetrics attaches the counters to record growth events against.
// Safe to call before the Directory is shared across goroutines; not
// safe to call concurrently with GetOrInsertLeaf.
func (d *Directory) SetMetrics(m *stats.Metrics) {
	d.metrics = m
}

// search returns (index, true) on a hit, or (insertion point, false) on
// a miss, binary-searching the live prefix.
func (d *Directory) search(rootSegment uint64) (int, bool) {
	lo, hi := 0, d.numEntries
	for lo < hi {
		mid := lo + (hi-lo)/2
		if d.entries[mid].rootSegment < rootSegment {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < d.numEntries && d.entries[lo].rootSegment == rootSegment {
		return lo, true
	}
	return lo, false
}

// Lookup finds the Leaf for rootSegment. Safe to call with the Gate
// held in shared mode: it only reads the live prefix and returns a
// stable Leaf pointer, never touching the backing array's identity.
func (d *Directory) Lookup(rootSegment uint64) (*bitleaf.Leaf, bool) {
	i, ok := d.search(rootSegment)
	if !ok {
		return nil, false
	}
	return d.entries[i].leaf, true
}

// GetOrInsertLeaf returns the Leaf for rootSegment, creating it (and
// growing the backing array if necessary) if absent. Must only be
// called with the Gate held exclusively: callers may have released a
// shared hold and re-acquired exclusively since their last Lookup, so
// this re-searches rather than assuming the miss is still a miss.
func (d *Directory) GetOrInsertLeaf(rootSegment uint64) *bitleaf.Leaf {
	i, ok := d.search(rootSegment)
	if ok {
		return d.entries[i].leaf
	}

	if d.numEntries == len(d.entries) {
		d.grow()
	}

	leaf := bitleaf.New(arena.AllocateZeroed[uint64](d.wordsPerLeaf))

	// Shift the tail right one slot and insert at i, preserving the
	// sorted-prefix invariant.
	copy(d.entries[i+1:d.numEntries+1], d.entries[i:d.numEntries])
	d.entries[i] = entry{rootSegment: rootSegment, leaf: leaf}
	d.numEntries++

	if d.metrics != nil {
		d.metrics.LeavesTotal.Inc()
	}

	return leaf
}

func (d *Directory) grow() {
	oldCap := len(d.entries)
	newCap := oldCap
	if newCap < 8 {
		newCap = 8
	} else {
		if newCap > (1<<63)/2 {
			log.Fatal("directory capacity overflow", zap.Int("capacity", oldCap))
		}
		newCap *= 2
	}

	newEntries := make([]entry, newCap)
	copy(newEntries, d.entries[:d.numEntries])
	d.entries = newEntries

	if d.metrics != nil {
		d.metrics.DirectoryGrowthsTotal.Inc()
		d.metrics.DirectoryCapacity.Set(float64(newCap))
	}
}

// Capacity reports the current backing array capacity, for tests and
// the invariant "directory capacity is the smallest power-of-two >=
// max(8, M) after inserting M distinct root segments".
func (d *Directory) Capacity() int { return len(d.entries) }

// NumEntries reports the number of live entries.
func (d *Directory) NumEntries() int { return d.numEntries }
