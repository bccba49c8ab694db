// Package jit implements the code cache holding just-in-time compiled methods: reservation
// of code and data space, atomic publication of the committed entries, and the logs and
// debug info of the installed code.
package jit

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/launix-de/NonLockingReadMap"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/util/contract"
	"github.com/aosp-leddaz/art/internal/util/logging"
)

// InstructionAlignedSize is the size of the method header preceding the code of every entry:
// code size (u32), frame size (u32) and stack map address (u64).
const InstructionAlignedSize = 16

type reservationState byte

const (
	reservationLive reservationState = iota
	reservationCommitted
	reservationFreed
)

// Reservation is space carved out of a Region for one method, waiting to be committed or freed.
type Reservation struct {
	region      *Region
	methodIndex uint32
	name        string
	generation  uint64
	wordSize    int

	// codeOffset and codeSize delimit the header and the code in the code half.
	codeOffset, codeSize int
	// dataOffset and dataSize delimit the roots and the stack map in the data half.
	// dataSize is zero when neither is needed.
	dataOffset, dataSize int
	numRoots             int
	stackMapSize         int

	state reservationState
}

// CodeAddress returns the address the code will be installed at.
func (r *Reservation) CodeAddress() uint64 {
	return r.region.codeBase() + uint64(r.codeOffset) + InstructionAlignedSize
}

// CodeCapacity returns the largest code Commit accepts.
func (r *Reservation) CodeCapacity() int {
	return r.codeSize - InstructionAlignedSize
}

// RootsAddress returns the address of the roots table, or zero if the method has neither
// roots nor a stack map.
func (r *Reservation) RootsAddress() uint64 {
	if r.dataSize == 0 {
		return 0
	}
	return r.region.dataBase() + uint64(r.dataOffset)
}

// StackMapAddress returns the address the stack map will be installed at, or zero.
func (r *Reservation) StackMapAddress() uint64 {
	if r.stackMapSize == 0 {
		return 0
	}
	return r.RootsAddress() + uint64(r.numRoots*r.wordSize)
}

// Entry is a committed method. Entries are immutable once published.
type Entry struct {
	MethodIndex     uint32
	Name            string
	CodeAddress     uint64
	CodeSize        int
	FrameSize       int
	StackMapAddress uint64
	RootsAddress    uint64
	NumRoots        int
	// DebugInfo is the compressed mini debug info, if generated.
	DebugInfo  []byte
	NativeStub bool

	region               *Region
	codeOffset, codeSize int
	dataOffset, dataSize int
	stackMapSize         int
}

// GetKey implements NonLockingReadMap.KeyGetter.
func (e Entry) GetKey() uint32 {
	return e.MethodIndex
}

// ComputeSize implements NonLockingReadMap.Sizable.
func (e Entry) ComputeSize() uint {
	return uint(unsafe.Sizeof(e)) + uint(len(e.Name)) + uint(len(e.DebugInfo))
}

// CommitInfo is what Commit installs for a reservation.
type CommitInfo struct {
	Code      []byte
	FrameSize int
	StackMap  []byte
	// Roots are the values of the JIT roots, stored as words at the roots address.
	Roots      []uint64
	DebugInfo  []byte
	NativeStub bool
}

// CodeCache is shared by all the JIT compiler threads of a session. Reservations and
// commits are serialized by a lock; lookups of committed entries are lock-free.
type CodeCache struct {
	isa      optimizingapi.InstructionSet
	wordSize int

	mux     sync.Mutex
	regions []*Region
	// generations counts the invalidations of each method. A reservation made before an
	// invalidation cannot be committed.
	generations map[uint32]uint64

	entries NonLockingReadMap.NonLockingReadMap[Entry, uint32]

	memory MemoryUsage
}

// NewCodeCache returns a CodeCache for isa with one private region of the given capacity.
func NewCodeCache(isa optimizingapi.InstructionSet, capacity int) (*CodeCache, error) {
	r, err := NewRegion(capacity)
	if err != nil {
		return nil, err
	}
	return &CodeCache{
		isa:         isa,
		wordSize:    isa.PointerSize(),
		regions:     []*Region{r},
		generations: map[uint32]uint64{},
		entries:     NonLockingReadMap.New[Entry, uint32](),
	}, nil
}

// ISA returns the instruction set of the code held by the cache.
func (c *CodeCache) ISA() optimizingapi.InstructionSet {
	return c.isa
}

// PrivateRegion returns the region private to this process.
func (c *CodeCache) PrivateRegion() *Region {
	return c.regions[0]
}

// AddRegion maps one more region, shared for instance with child processes.
func (c *CodeCache) AddRegion(capacity int) (*Region, error) {
	r, err := NewRegion(capacity)
	if err != nil {
		return nil, err
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	c.regions = append(c.regions, r)
	return r, nil
}

// Reserve carves space in region for the header and code of m plus its roots table and
// stack map. It returns ErrOutOfMemory when the region cannot hold them, and ErrRegionClosed
// once the region is unmapped.
func (c *CodeCache) Reserve(region *Region, m *optimizingapi.Method, codeSize, stackMapSize, numRoots int) (*Reservation, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if region.closed() {
		logging.V(9).Infof("JIT: no region to reserve %s in", m)
		return nil, ErrRegionClosed
	}

	r := &Reservation{
		region:       region,
		methodIndex:  m.Index,
		name:         m.String(),
		generation:   c.generations[m.Index],
		wordSize:     c.wordSize,
		codeSize:     region.codeFree.roundUp(InstructionAlignedSize + codeSize),
		numRoots:     numRoots,
		stackMapSize: stackMapSize,
	}
	var ok bool
	if r.codeOffset, ok = region.codeFree.alloc(r.codeSize); !ok {
		logging.V(9).Infof("JIT: no code space for %s (%d bytes, largest free %d)", r.name, r.codeSize, region.codeFree.largest())
		return nil, ErrOutOfMemory
	}
	if dataSize := numRoots*c.wordSize + stackMapSize; dataSize > 0 {
		r.dataSize = region.dataFree.roundUp(dataSize)
		if r.dataOffset, ok = region.dataFree.alloc(r.dataSize); !ok {
			region.codeFree.release(r.codeOffset, r.codeSize)
			logging.V(9).Infof("JIT: no data space for %s (%d bytes)", r.name, r.dataSize)
			return nil, ErrOutOfMemory
		}
	}
	logging.V(9).Infof("JIT: reserved %#x+%d for %s", r.CodeAddress(), codeSize, r.name)
	return r, nil
}

// Commit installs info into the reservation and publishes the entry of the method. It
// returns false, publishing nothing, if the reservation is no longer live, if the method was
// invalidated since the reservation, or if info does not fit. The caller must then Free r.
func (c *CodeCache) Commit(r *Reservation, info CommitInfo) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	switch {
	case r.state != reservationLive:
		logging.V(9).Infof("JIT: commit of %s on a released reservation", r.name)
		return false
	case r.region.closed():
		logging.V(9).Infof("JIT: commit of %s on a closed region", r.name)
		return false
	case c.generations[r.methodIndex] != r.generation:
		logging.V(9).Infof("JIT: %s was invalidated during its compilation", r.name)
		return false
	case len(info.Code) > r.CodeCapacity(), len(info.StackMap) > r.stackMapSize, len(info.Roots) > r.numRoots:
		logging.V(9).Infof("JIT: code of %s does not fit its reservation", r.name)
		return false
	}

	region := r.region
	if r.dataSize > 0 {
		data := region.data[r.dataOffset : r.dataOffset+r.dataSize]
		for i, root := range info.Roots {
			if c.wordSize == 8 {
				binary.LittleEndian.PutUint64(data[i*8:], root)
			} else {
				binary.LittleEndian.PutUint32(data[i*4:], uint32(root))
			}
		}
		copy(data[r.numRoots*c.wordSize:], info.StackMap)
	}

	stackMapAddr := uint64(0)
	if len(info.StackMap) > 0 {
		stackMapAddr = r.StackMapAddress()
	}
	buf := make([]byte, InstructionAlignedSize+len(info.Code))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(info.Code)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(info.FrameSize))
	binary.LittleEndian.PutUint64(buf[8:], stackMapAddr)
	copy(buf[InstructionAlignedSize:], info.Code)
	region.writeCode(r.codeOffset, buf)

	c.entries.Set(&Entry{
		MethodIndex:     r.methodIndex,
		Name:            r.name,
		CodeAddress:     r.CodeAddress(),
		CodeSize:        len(info.Code),
		FrameSize:       info.FrameSize,
		StackMapAddress: stackMapAddr,
		RootsAddress:    r.RootsAddress(),
		NumRoots:        len(info.Roots),
		DebugInfo:       info.DebugInfo,
		NativeStub:      info.NativeStub,
		region:          region,
		codeOffset:      r.codeOffset,
		codeSize:        r.codeSize,
		dataOffset:      r.dataOffset,
		dataSize:        r.dataSize,
		stackMapSize:    len(info.StackMap),
	})
	r.state = reservationCommitted
	logging.V(9).Infof("JIT: committed %s at %#x", r.name, r.CodeAddress())
	return true
}

// Free returns the space of a reservation that will not be committed.
func (c *CodeCache) Free(r *Reservation) {
	c.mux.Lock()
	defer c.mux.Unlock()
	switch r.state {
	case reservationCommitted:
		contract.Failf("free of the committed reservation of %s", r.name)
		return
	case reservationFreed:
		contract.Failf("double free of the reservation of %s", r.name)
		return
	}
	r.state = reservationFreed
	c.release(r.region, r.codeOffset, r.codeSize, r.dataOffset, r.dataSize)
	logging.V(9).Infof("JIT: freed reservation of %s", r.name)
}

func (c *CodeCache) release(region *Region, codeOffset, codeSize, dataOffset, dataSize int) {
	region.codeFree.release(codeOffset, codeSize)
	if dataSize > 0 {
		region.dataFree.release(dataOffset, dataSize)
	}
}

// InvalidateMethod unpublishes the entry of the method, if any, and prevents the commit of
// the reservations made for it so far. The caller guarantees that no thread runs the code.
func (c *CodeCache) InvalidateMethod(methodIndex uint32) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.generations[methodIndex]++
	if e := c.entries.Remove(methodIndex); e != nil {
		c.release(e.region, e.codeOffset, e.codeSize, e.dataOffset, e.dataSize)
		logging.V(9).Infof("JIT: invalidated %s", e.Name)
	}
}

// Lookup returns the committed entry of the method, or nil. It never blocks.
func (c *CodeCache) Lookup(methodIndex uint32) *Entry {
	return c.entries.Get(methodIndex)
}

// Entries returns the committed entries ordered by method index.
func (c *CodeCache) Entries() []*Entry {
	return c.entries.GetAll()
}

// Code returns the installed code of e.
func (c *CodeCache) Code(e *Entry) []byte {
	start := e.codeOffset + InstructionAlignedSize
	return e.region.code[start : start+e.CodeSize]
}

// MethodHeader is the header installed in front of the code of an entry.
type MethodHeader struct {
	CodeSize        uint32
	FrameSize       uint32
	StackMapAddress uint64
}

// Header decodes the installed header of e.
func (c *CodeCache) Header(e *Entry) MethodHeader {
	h := e.region.code[e.codeOffset : e.codeOffset+InstructionAlignedSize]
	return MethodHeader{
		CodeSize:        binary.LittleEndian.Uint32(h[0:]),
		FrameSize:       binary.LittleEndian.Uint32(h[4:]),
		StackMapAddress: binary.LittleEndian.Uint64(h[8:]),
	}
}

// StackMap returns the installed stack map of e.
func (c *CodeCache) StackMap(e *Entry) []byte {
	if e.StackMapAddress == 0 {
		return nil
	}
	start := int(e.StackMapAddress - e.region.dataBase())
	return e.region.data[start : start+e.stackMapSize]
}

// Close unmaps every region. The cache cannot be used afterwards.
func (c *CodeCache) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	var err error
	for _, r := range c.regions {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.regions = nil
	return err
}
