//go:build linux

package jit

import (
	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// mapRegion maps size bytes of a memory file twice: a view whose first codeSize bytes are
// executable, the rest writable, and a writable alias of those first codeSize bytes.
func mapRegion(size, codeSize int) (mem, alias []byte, err error) {
	fd, err := unix.MemfdCreate("art-jit-code-cache", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, err
	}
	defer unix.Close(fd) // nolint: errcheck
	if err = unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, nil, err
	}
	if mem, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, nil, err
	}
	if err = unix.Mprotect(mem[:codeSize], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, err
	}
	if alias, err = unix.Mmap(fd, 0, codeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, err
	}
	return mem, alias, nil
}

func unmapRegion(mem, alias []byte) error {
	err := unix.Munmap(alias)
	if merr := unix.Munmap(mem); err == nil {
		err = merr
	}
	return err
}
