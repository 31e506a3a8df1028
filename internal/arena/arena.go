// Package arena is the allocator-independent source of stable,
// zero-filled memory used for the registry's Leaf bitmap words. The
// directory's entry array is not arena-backed (see internal/directory).
//
// Using the wrapped allocator here would cause infinite recursion: every
// allocation would register itself, which would allocate, which would
// register... so the Arena talks to the OS directly via
// golang.org/x/sys/unix's raw mmap/munmap calls, bypassing Go's own
// runtime allocator entirely.
package arena

import (
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cloudfly/allocguard/internal/rlog"
)

var log = rlog.New("arena")

// AllocateZeroed returns a stable, zero-filled slice of count elements
// of T, obtained directly from the OS via an anonymous mapping. The
// region is never moved and, if count > 0, is suitably aligned for any
// T whose alignment does not exceed a machine word's.
//
// OS mapping failure is fatal: the Arena is only ever called while the
// registry's directory Gate is held exclusively, so there is no partial
// state a caller could observe.
func AllocateZeroed[T any](count int) []T {
	var zero T
	if unsafe.Alignof(zero) > unsafe.Alignof(uintptr(0)) {
		log.Fatal("type alignment exceeds word alignment", zap.Uintptr("align", uintptr(unsafe.Alignof(zero))))
	}
	if count == 0 {
		return nil
	}

	size := int(unsafe.Sizeof(zero)) * count
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		log.Fatal("mmap failed", zap.Int("bytes", size), zap.Error(err))
	}
	// Anonymous mappings are zero-filled by the kernel; no explicit
	// zeroing pass is needed.
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count)
}

// Release returns a region obtained from AllocateZeroed to the OS.
func Release[T any](region []T) {
	if len(region) == 0 {
		return
	}
	var zero T
	size := int(unsafe.Sizeof(zero)) * len(region)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&region[0])), size)
	if err := unix.Munmap(b); err != nil {
		log.Warn("munmap failed", zap.Int("bytes", size), zap.Error(err))
	}
}
