//go:build !unix

package jit

const pageSize = 4096

// mapRegion falls back to heap memory where there is no mmap. The code cannot be run
// from it, but reservations and commits behave the same.
func mapRegion(size, codeSize int) (mem, alias []byte, err error) {
	mem = make([]byte, size)
	return mem, mem[:codeSize:codeSize], nil
}

func unmapRegion(_, _ []byte) error { return nil }
