package jit

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// permissionsAt returns the permissions of the mapping holding addr, e.g. "r-xs".
func permissionsAt(t *testing.T, addr uint64) string {
	f, err := os.Open("/proc/self/maps")
	require.NoError(t, err)
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		bounds := strings.SplitN(fields[0], "-", 2)
		lo, err := strconv.ParseUint(bounds[0], 16, 64)
		require.NoError(t, err)
		hi, err := strconv.ParseUint(bounds[1], 16, 64)
		require.NoError(t, err)
		if lo <= addr && addr < hi {
			return fields[1]
		}
	}
	require.NoError(t, s.Err())
	t.Fatalf("no mapping holds %#x", addr)
	return ""
}

func TestRegion_codeStaysExecutable(t *testing.T) {
	c := newCodeCache(t)
	region := c.PrivateRegion()
	require.NotEqual(t, unsafe.Pointer(&region.code[0]), unsafe.Pointer(&region.alias[0]))

	commit := func(idx uint32, code []byte) *Entry {
		m := &optimizingapi.Method{Index: idx, Name: "Main.m" + strconv.Itoa(int(idx))}
		r, err := c.Reserve(region, m, len(code), 0, 0)
		require.NoError(t, err)
		require.True(t, c.Commit(r, CommitInfo{Code: code}))
		return c.Lookup(idx)
	}

	first := commit(1, []byte{0xc0, 0x03, 0x5f, 0xd6})
	require.Equal(t, "r-xs", permissionsAt(t, first.CodeAddress))

	// Both entries share a page; committing the second leaves the first runnable.
	second := commit(2, []byte{0x1f, 0x20, 0x03, 0xd5})
	require.Equal(t, first.CodeAddress/uint64(pageSize), second.CodeAddress/uint64(pageSize))
	require.Equal(t, "r-xs", permissionsAt(t, first.CodeAddress))
	require.Equal(t, []byte{0xc0, 0x03, 0x5f, 0xd6}, c.Code(first))
	require.Equal(t, []byte{0x1f, 0x20, 0x03, 0xd5}, c.Code(second))

	// The data half is writable, not executable.
	require.Equal(t, "rw-s", permissionsAt(t, region.dataBase()))
}
