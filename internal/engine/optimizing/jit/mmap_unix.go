//go:build unix && !linux

package jit

import (
	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// mapRegion maps size bytes of anonymous memory whose first codeSize bytes are writable and
// executable at once. Without memory files there is no second view, and the alias is the
// code half itself.
func mapRegion(size, codeSize int) (mem, alias []byte, err error) {
	mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	if err = unix.Mprotect(mem[:codeSize], unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, err
	}
	return mem, mem[:codeSize:codeSize], nil
}

func unmapRegion(mem, _ []byte) error {
	return unix.Munmap(mem)
}
