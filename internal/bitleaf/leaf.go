// Package bitleaf implements the registry's Leaf: a fixed-size bitmap of
// presence bits covering a contiguous span of the key space.
package bitleaf

import "sync/atomic"

// WordBits is the bit width of the word used for the bitmap. Go's
// sync/atomic gives lock-free 64-bit operations on every platform this
// module targets, so the Leaf always uses 64-bit words regardless of
// the host's native machine-word width.
const WordBits = 64

// Leaf is a fixed-size array of atomic words, zero-initialized. Bit b of
// word w represents key rootSegment*LeafBits + w*WordBits + b (the
// caller tracks rootSegment; the Leaf only knows its own words).
//
// A Leaf's address is stable for the process lifetime once installed in
// the directory: it is allocated from internal/arena and never moved or
// freed, which is what lets callers dereference it after releasing the
// directory Gate.
type Leaf struct {
	words []uint64
}

// New wraps pre-zeroed, arena-backed storage as a Leaf. The caller
// (internal/directory) is responsible for obtaining that storage from
// internal/arena so the registry never allocates through the
// instrumented allocator.
func New(words []uint64) *Leaf {
	return &Leaf{words: words}
}

// Load reads the word at wordOffset with acquire ordering.
func (l *Leaf) Load(wordOffset int) uint64 {
	return atomic.LoadUint64(&l.words[wordOffset])
}

// FetchOr ORs mask into the word at wordOffset and returns the prior
// value. Ordering is release: it publishes whatever the caller wrote
// before calling FetchOr (canary, size tag) to any thread that later
// observes the bit via Load or FetchAndNot.
//
// sync/atomic has no separate release-only primitive, so this uses a
// CAS-retry loop rather than a single RMW instruction, keeping the
// acquire/release intent explicit in the code rather than implicit in
// the instruction choice.
func (l *Leaf) FetchOr(wordOffset int, mask uint64) uint64 {
	addr := &l.words[wordOffset]
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old|mask) {
			return old
		}
	}
}

// FetchAndNot clears the bits in mask from the word at wordOffset and
// returns the prior value. Ordering is AcqRel: it both publishes the
// clear and reads the old value the caller uses to decide whether the
// clear actually took effect (test_and_clear's return value).
func (l *Leaf) FetchAndNot(wordOffset int, mask uint64) uint64 {
	addr := &l.words[wordOffset]
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old&^mask) {
			return old
		}
	}
}

// WordCount reports how many words this Leaf holds.
func (l *Leaf) WordCount() int {
	return len(l.words)
}
