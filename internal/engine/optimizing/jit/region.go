package jit

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrRegionClosed is returned when space is reserved in a region that was unmapped.
var ErrRegionClosed = errors.New("code cache region is closed")

// Region is one mapping of the code cache. Its first half holds method headers and code and
// is executable; its second half holds the JIT roots and stack maps and stays writable. Both
// halves live in one mapping so that code can reach its data with pc-relative addressing.
//
// Code is written through alias, a second writable view of the code half where the platform
// has one, so the pages of committed entries never stop being executable.
//
// A Region is not safe for concurrent use: the CodeCache owning it serializes every access.
type Region struct {
	mem      []byte
	alias    []byte
	code     []byte
	data     []byte
	codeFree *freeList
	dataFree *freeList
}

// NewRegion maps a region whose halves are capacity bytes each, rounded up to whole pages.
func NewRegion(capacity int) (*Region, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("invalid region capacity %d", capacity)
	}
	capacity = (capacity + pageSize - 1) &^ (pageSize - 1)
	mem, alias, err := mapRegion(2*capacity, capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes of code cache", 2*capacity)
	}
	return &Region{
		mem:      mem,
		alias:    alias,
		code:     mem[:capacity:capacity],
		data:     mem[capacity:],
		codeFree: newFreeList(capacity, InstructionAlignedSize),
		dataFree: newFreeList(capacity, 8),
	}, nil
}

// Capacity returns the size of each half.
func (r *Region) Capacity() int {
	return cap(r.code)
}

// FreeCode returns the free bytes of the code half.
func (r *Region) FreeCode() int {
	return r.codeFree.free
}

// FreeData returns the free bytes of the data half.
func (r *Region) FreeData() int {
	return r.dataFree.free
}

func (r *Region) closed() bool {
	return r.mem == nil
}

func (r *Region) codeBase() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.code[0])))
}

func (r *Region) dataBase() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.data[0])))
}

// writeCode copies b to offset of the code half.
func (r *Region) writeCode(offset int, b []byte) {
	copy(r.alias[offset:], b)
}

// Close unmaps the region. Nothing may use its code or data afterwards.
func (r *Region) Close() error {
	if r.closed() {
		return nil
	}
	err := unmapRegion(r.mem, r.alias)
	r.mem, r.alias, r.code, r.data = nil, nil, nil, nil
	return errors.Wrap(err, "unmapping code cache")
}
