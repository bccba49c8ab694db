package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/util/contract"
)

// fatals replaces the contract hook for the duration of the test and returns the messages it got.
func fatals(t *testing.T) *[]string {
	var msgs []string
	prev := contract.FatalHook
	contract.FatalHook = func(msg string) { msgs = append(msgs, msg) }
	t.Cleanup(func() { contract.FatalHook = prev })
	return &msgs
}

func TestFreeList(t *testing.T) {
	f := newFreeList(0x100, 16)
	require.Equal(t, "[0x0, 0x100)", f.String())

	alloc := func(size int) int {
		off, ok := f.alloc(size)
		require.True(t, ok)
		return off
	}
	require.Equal(t, 0x0, alloc(10))
	require.Equal(t, 0x10, alloc(32))
	require.Equal(t, 0x30, alloc(16))
	require.Equal(t, 0xc0, f.free)

	f.release(0x10, 32)
	require.Equal(t, "[0x10, 0x30) [0x40, 0x100)", f.String())

	// First fit skips the hole that is too small.
	require.Equal(t, 0x40, alloc(40))
	require.Equal(t, "[0x10, 0x30) [0x70, 0x100)", f.String())
	require.Equal(t, 0x90, f.largest())

	f.release(0x0, 10)
	require.Equal(t, "[0x0, 0x30) [0x70, 0x100)", f.String())
	f.release(0x30, 16)
	require.Equal(t, "[0x0, 0x40) [0x70, 0x100)", f.String())
	f.release(0x40, 40)
	require.Equal(t, "[0x0, 0x100)", f.String())
	require.Equal(t, 0x100, f.free)

	for _, size := range []int{0, 0x101} {
		_, ok := f.alloc(size)
		require.False(t, ok)
	}
}

func TestFreeList_fragmented(t *testing.T) {
	f := newFreeList(0x40, 16)
	for i := 0; i < 4; i++ {
		_, ok := f.alloc(16)
		require.True(t, ok)
	}
	f.release(0x0, 16)
	f.release(0x20, 16)
	require.Equal(t, 0x20, f.free)
	// Enough free bytes, but no span large enough.
	_, ok := f.alloc(32)
	require.False(t, ok)
}

func TestFreeList_doubleRelease(t *testing.T) {
	msgs := fatals(t)
	f := newFreeList(0x100, 16)
	f.release(0, 16)
	off, ok := f.alloc(0x20)
	require.True(t, ok)
	f.release(off+0x10, 0x20)
	require.Equal(t, []string{
		"A failure has occurred: release of [0x0, 0x10) overlaps free [0x0, 0x100)",
		"A failure has occurred: release of [0x10, 0x30) overlaps free [0x20, 0x100)",
	}, *msgs)
	require.Equal(t, "[0x20, 0x100)", f.String())
}
