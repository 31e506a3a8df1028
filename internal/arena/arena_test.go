package arena

import "testing"

func TestAllocateZeroed_IsZeroed(t *testing.T) {
	words := AllocateZeroed[uint64](16)
	if len(words) != 16 {
		t.Fatalf("len = %d, want 16", len(words))
	}
	for i, w := range words {
		if w != 0 {
			t.Fatalf("words[%d] = %d, want 0", i, w)
		}
	}
}

func TestAllocateZeroed_ZeroCountReturnsNil(t *testing.T) {
	if got := AllocateZeroed[uint64](0); got != nil {
		t.Fatalf("AllocateZeroed(0) = %v, want nil", got)
	}
}

func TestAllocateZeroed_IsWritable(t *testing.T) {
	words := AllocateZeroed[uint64](4)
	words[2] = 0xdeadbeef
	if words[2] != 0xdeadbeef {
		t.Fatalf("words[2] = %d, want 0xdeadbeef", words[2])
	}
}

func TestRelease_EmptyIsNoop(t *testing.T) {
	Release[uint64](nil)
}

func TestAllocateAndRelease(t *testing.T) {
	words := AllocateZeroed[uint64](8)
	Release(words)
}
