package backend

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StackMap describes the state of a method at a native pc where the runtime may inspect the frame.
type StackMap struct {
	// NativePC is the offset of the return address of the call from the start of the code.
	NativePC uint32
	// DexPC is the bytecode pc of the call.
	DexPC uint32
	// RegisterMask has the bit r set when the register r holds a live value.
	RegisterMask uint64
	// StackMask has the bit i set when the stack slot at sp + i*WordSize holds a live value.
	StackMask []byte
}

// HasStackSlot returns true if the stack slot i holds a live value.
func (s *StackMap) HasStackSlot(i int) bool {
	return i/8 < len(s.StackMask) && s.StackMask[i/8]&(1<<(i%8)) != 0
}

// StackMapStream collects the stack maps of one method in increasing native pc order.
type StackMapStream struct {
	frameSize uint32
	maps      []StackMap
}

// Reset clears the stream for the next method.
func (s *StackMapStream) Reset() {
	s.frameSize = 0
	s.maps = s.maps[:0]
}

// BeginMethod records the frame size of the method.
func (s *StackMapStream) BeginMethod(frameSize int) {
	s.frameSize = uint32(frameSize)
}

// AddStackMap appends a stack map. nativePC must not decrease.
func (s *StackMapStream) AddStackMap(nativePC, dexPC uint32, registerMask uint64, stackSlots []int) {
	var mask []byte
	for _, slot := range stackSlots {
		for len(mask) <= slot/8 {
			mask = append(mask, 0)
		}
		mask[slot/8] |= 1 << (slot % 8)
	}
	s.maps = append(s.maps, StackMap{NativePC: nativePC, DexPC: dexPC, RegisterMask: registerMask, StackMask: mask})
}

// Len returns the number of stack maps.
func (s *StackMapStream) Len() int {
	return len(s.maps)
}

// Encode returns the table: the frame size and the count, then for each stack map the native pc
// delta from the previous one, the dex pc, the register mask and the length-prefixed stack mask,
// all as unsigned LEB128.
func (s *StackMapStream) Encode() []byte {
	buf := binary.AppendUvarint(nil, uint64(s.frameSize))
	buf = binary.AppendUvarint(buf, uint64(len(s.maps)))
	var last uint32
	for _, m := range s.maps {
		buf = binary.AppendUvarint(buf, uint64(m.NativePC-last))
		last = m.NativePC
		buf = binary.AppendUvarint(buf, uint64(m.DexPC))
		buf = binary.AppendUvarint(buf, m.RegisterMask)
		buf = binary.AppendUvarint(buf, uint64(len(m.StackMask)))
		buf = append(buf, m.StackMask...)
	}
	return buf
}

// StackMapTable is a decoded stack map table.
type StackMapTable struct {
	FrameSize uint32
	Maps      []StackMap
}

// DecodeStackMaps decodes a table produced by StackMapStream.Encode.
func DecodeStackMaps(b []byte) (*StackMapTable, error) {
	next := func(what string) (uint64, error) {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return 0, errors.Errorf("truncated stack map table: reading %s", what)
		}
		b = b[n:]
		return v, nil
	}
	frameSize, err := next("frame size")
	if err != nil {
		return nil, err
	}
	count, err := next("count")
	if err != nil {
		return nil, err
	}
	if count > uint64(len(b)) {
		return nil, errors.Errorf("stack map count %d exceeds the table size", count)
	}
	t := &StackMapTable{FrameSize: uint32(frameSize), Maps: make([]StackMap, count)}
	var pc uint64
	for i := range t.Maps {
		delta, err := next("native pc")
		if err != nil {
			return nil, err
		}
		pc += delta
		dexPC, err := next("dex pc")
		if err != nil {
			return nil, err
		}
		regs, err := next("register mask")
		if err != nil {
			return nil, err
		}
		n, err := next("stack mask")
		if err != nil {
			return nil, err
		}
		if n > uint64(len(b)) {
			return nil, errors.New("truncated stack map table: reading stack mask")
		}
		t.Maps[i] = StackMap{NativePC: uint32(pc), DexPC: uint32(dexPC), RegisterMask: regs, StackMask: b[:n:n]}
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, errors.Errorf("%d trailing bytes after the stack map table", len(b))
	}
	return t, nil
}

// Lookup returns the stack map at nativePC.
func (t *StackMapTable) Lookup(nativePC uint32) (*StackMap, bool) {
	for i := range t.Maps {
		if t.Maps[i].NativePC == nativePC {
			return &t.Maps[i], true
		}
	}
	return nil, false
}

// String implements fmt.Stringer.
func (t *StackMapTable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "frame_size=%d\n", t.FrameSize)
	for _, m := range t.Maps {
		fmt.Fprintf(&sb, "native_pc=%#x dex_pc=%d registers=%#x stack=%x\n", m.NativePC, m.DexPC, m.RegisterMask, m.StackMask)
	}
	return sb.String()
}
