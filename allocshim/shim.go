// Package allocshim wraps an allocator with metadata mangling, heap
// canaries, and registry bookkeeping: it mangles metadata, places a
// heap canary, and calls the registry's Get/Set/TestAndClear from its
// own Allocate/Deallocate/Reallocate/UsableSize. The wrapped allocator
// only supplies memory (Allocator.Allocate); it has no free operation.
//
// Go has no pointer arithmetic into arbitrary byte offsets of a
// GC-managed allocation, so instead of writing mangled metadata at
// negative offsets from the user pointer, this keeps the same byte
// layout (margin bytes of mangled metadata plus a canary word
// immediately before the user region) inside a single []byte outer
// allocation addressed by slicing. The user "pointer" is the address of
// that slice's backing array plus margin, used only as an opaque
// uintptr identity for the registry key and the shim's own
// live-allocation table — never reconstructed into an unsafe.Pointer
// after the fact.
package allocshim

import (
	"encoding/binary"
	"math/bits"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cloudfly/allocguard/internal/rlog"
	"github.com/cloudfly/allocguard/internal/stats"
	"github.com/cloudfly/allocguard/registry"
)

const (
	// minMargin mirrors MIN_MARGIN = size_of::<usize>() * 16: enough
	// out-of-band space before the user region for the mangled margin,
	// mangled user size, and the canary word, with room to spare for
	// the wrapped allocator's own alignment needs.
	minMargin = 8 * 16
	// minAlign mirrors MIN_ALIGN = align_of::<usize>().
	minAlign = 8

	keyMargin = uint64(0x123456789abcdef)
	keyCanary = uint64(0x23435243643547a)
	keySize   = uint64(0x1ae9deaf526c83d)
)

func mangle(x, key uint64) uint64 {
	return bits.RotateLeft64(x, 13) ^ key
}

func demangle(x, key uint64) uint64 {
	return bits.RotateLeft64(x^key, -13)
}

// outerAlloc is the shim's record of one live allocation: the backing
// bytes (margin | user region) and the bookkeeping needed to recover
// the user region and validate it.
type outerAlloc struct {
	buf      []byte
	margin   int
	userSize int
}

func (o *outerAlloc) userRegion() []byte {
	return o.buf[o.margin : o.margin+o.userSize]
}

// Allocator is the wrapped, instrumented allocator. Deliberately a
// minimal stand-in: no real libc allocator is reachable from pure Go
// without cgo, so Shim's default Allocator backs allocations with
// ordinary make([]byte, n) and keeps them alive in its own table,
// documented in DESIGN.md as the one place this port cannot be
// byte-faithful to a C allocator.
type Allocator interface {
	// Allocate returns n zeroed bytes, or nil on failure.
	Allocate(n int) []byte
}

// SliceAllocator is the default Allocator.
type SliceAllocator struct{}

func (SliceAllocator) Allocate(n int) []byte { return make([]byte, n) }

// Shim wraps an Allocator with metadata, canaries, and registry
// bookkeeping.
type Shim struct {
	alloc   Allocator
	reg     *registry.Registry
	log     *rlog.Logger
	metrics *stats.Metrics

	mu   sync.Mutex
	live map[uintptr]*outerAlloc
}

// New returns a Shim that wraps alloc and registers presence with reg.
func New(alloc Allocator, reg *registry.Registry) *Shim {
	return &Shim{
		alloc: alloc,
		reg:   reg,
		log:   rlog.New("shim"),
		live:  make(map[uintptr]*outerAlloc),
	}
}

// WithMetrics attaches counters for rejected operations. Typically
// wired to the same stats.Metrics returned by registry.RegisterMetrics.
func (s *Shim) WithMetrics(m *stats.Metrics) *Shim {
	s.metrics = m
	return s
}

// addrOfSlice returns the address of buf's backing array, used purely
// as an opaque numeric identity (registry key derivation, live-table
// key). Callers never convert it back into an unsafe.Pointer; all
// actual memory access goes through the []byte retained in s.live.
func addrOfSlice(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func userAddrKey(userAddr uintptr) uint64 {
	return uint64(userAddr) / minAlign
}

// writeMeta lays out the margin region as [mangled margin][mangled user
// size][...][mangled canary], with the canary word the last eight bytes
// of the margin, immediately before the user region.
func (s *Shim) writeMeta(o *outerAlloc, userAddr uintptr) {
	margin := uint64(o.margin)
	size := uint64(o.userSize)

	binary.LittleEndian.PutUint64(o.buf[0:8], mangle(margin, uint64(userAddr)^keyMargin))
	binary.LittleEndian.PutUint64(o.buf[8:16], mangle(size, uint64(userAddr)^keySize))
	binary.LittleEndian.PutUint64(o.buf[o.margin-8:o.margin], mangle(uint64(userAddr), keyCanary))
}

func (s *Shim) checkCanary(o *outerAlloc, userAddr uintptr) bool {
	got := demangle(binary.LittleEndian.Uint64(o.buf[o.margin-8:o.margin]), keyCanary)
	return got == uint64(userAddr)
}

// recoverMeta demangles the margin and user-size words and validates
// them: the margin must be a power of two no smaller than minMargin,
// userAddr must be aligned, recomputing the outer allocation's address
// from the demangled margin must land back on the backing array the
// live table already has on file for userAddr, and the demangled size
// must equal the userSize recorded in the live table. A live-table
// lookup is still required to get at the bytes at all — Go gives no way
// to dereference an arbitrary uintptr — so the checks compare the
// mangled bytes against that entry's backing array and recorded size.
func (s *Shim) recoverMeta(o *outerAlloc, userAddr uintptr) (margin, size uint64, ok bool) {
	if uint64(userAddr)%minAlign != 0 {
		return 0, 0, false
	}
	margin = demangle(binary.LittleEndian.Uint64(o.buf[0:8]), uint64(userAddr)^keyMargin)
	if margin == 0 || margin&(margin-1) != 0 || margin < minMargin {
		return 0, 0, false
	}
	if uintptr(margin) > userAddr {
		return 0, 0, false
	}
	if userAddr-uintptr(margin) != addrOfSlice(o.buf) {
		return 0, 0, false
	}
	size = demangle(binary.LittleEndian.Uint64(o.buf[8:16]), uint64(userAddr)^keySize)
	if size != uint64(o.userSize) {
		return 0, 0, false
	}
	return margin, size, true
}

// Allocate reserves size bytes, writes margin/size metadata and a
// leading canary into the margin, registers the resulting user pointer
// with the registry, and returns its address. Set is called only after
// the metadata write completes: any thread that subsequently observes
// the bit via Get or TestAndClear is guaranteed to see this
// allocation's metadata.
func (s *Shim) Allocate(size int) (uintptr, bool) {
	margin := minMargin
	outerSize := margin + size
	buf := s.alloc.Allocate(outerSize)
	if buf == nil {
		return 0, false
	}

	o := &outerAlloc{buf: buf, margin: margin, userSize: size}
	userAddr := addrOfSlice(buf) + uintptr(margin)
	s.writeMeta(o, userAddr)

	s.mu.Lock()
	s.live[userAddr] = o
	s.mu.Unlock()

	s.reg.Set(userAddrKey(userAddr))
	return userAddr, true
}

// Deallocate validates and retires userAddr. It calls TestAndClear
// first; only on true does it drop the allocation from the live table.
func (s *Shim) Deallocate(userAddr uintptr) bool {
	if !s.reg.TestAndClear(userAddrKey(userAddr)) {
		s.warnRejected("deallocate", userAddr)
		return false
	}

	s.mu.Lock()
	o, ok := s.live[userAddr]
	if ok {
		delete(s.live, userAddr)
	}
	s.mu.Unlock()

	if !ok {
		// Registry said present but the shim's own table disagrees:
		// the two have diverged, which should never happen.
		s.log.Fatal("registry/live-table divergence on deallocate", zap.Uintptr("addr", userAddr))
		return false
	}
	if _, _, ok := s.recoverMeta(o, userAddr); !ok {
		s.log.Warn("metadata corrupted, ignoring deallocation request", zap.Uintptr("addr", userAddr))
		return false
	}
	if !s.checkCanary(o, userAddr) {
		s.log.Warn("heap overrun detected", zap.Uintptr("addr", userAddr))
	}
	return true
}

// Reallocate implements deallocate-then-allocate: free the old
// pointer, allocate fresh, and copy the overlapping prefix across.
func (s *Shim) Reallocate(userAddr uintptr, newSize int) (uintptr, bool) {
	s.mu.Lock()
	o, ok := s.live[userAddr]
	s.mu.Unlock()
	if !ok {
		s.warnRejected("reallocate", userAddr)
		return 0, false
	}
	if _, _, ok := s.recoverMeta(o, userAddr); !ok {
		s.log.Warn("metadata corrupted, rejecting reallocation request", zap.Uintptr("addr", userAddr))
		return 0, false
	}

	if !s.reg.TestAndClear(userAddrKey(userAddr)) {
		s.warnRejected("reallocate", userAddr)
		return 0, false
	}
	s.mu.Lock()
	delete(s.live, userAddr)
	s.mu.Unlock()

	oldSize := o.userSize
	if oldSize > newSize {
		oldSize = newSize
	}
	newAddr, ok := s.Allocate(newSize)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	newAlloc := s.live[newAddr]
	s.mu.Unlock()
	copy(newAlloc.userRegion(), o.userRegion()[:oldSize])
	return newAddr, true
}

// UsableSize returns the registered user size for userAddr, or 0 if it
// is not currently registered.
func (s *Shim) UsableSize(userAddr uintptr) int {
	if !s.reg.Get(userAddrKey(userAddr)) {
		s.warnRejected("usable_size", userAddr)
		return 0
	}
	s.mu.Lock()
	o, ok := s.live[userAddr]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	if _, _, ok := s.recoverMeta(o, userAddr); !ok {
		s.log.Warn("metadata corrupted, rejecting size query", zap.Uintptr("addr", userAddr))
		return 0
	}
	return o.userSize
}

func (s *Shim) warnRejected(op string, addr uintptr) {
	s.log.Warn("rejecting invalid pointer", zap.String("op", op), zap.Uintptr("addr", addr))
	if s.metrics != nil {
		s.metrics.RejectedFreesTotal.Inc()
	}
}
