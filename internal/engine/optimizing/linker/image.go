package linker

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// Patcher rewrites the literal of a patched instruction once the addresses are known.
// It is implemented by the backend of each instruction set.
type Patcher interface {
	// PatchCall makes the call at literalOffset of code, which is placed at codeAddr, target the address target.
	PatchCall(code []byte, literalOffset int, codeAddr, target uint64) error
	// PatchDataLoad makes the load at literalOffset of code, which is placed at codeAddr, read the address target.
	PatchDataLoad(code []byte, literalOffset int, codeAddr, target uint64) error
}

const (
	imageVersion    = 1
	imageHeaderSize = 4 + 2 + 1 + 1 + 16
)

var imageMagic = [4]byte{'A', 'R', 'T', 'I'}

// Image is a linked set of compiled methods. Addresses are relative to the start of Text.
type Image struct {
	BuildID uuid.UUID
	ISA     optimizingapi.InstructionSet
	Methods []ImageMethod
	Thunks  []ImageThunk
	// StringSlots maps string indexes to the address of their .bss slot.
	StringSlots map[uint32]uint32
	// BssSize is the size of the .bss section following Text.
	BssSize uint32
	Text    []byte
}

// ImageMethod describes one method of an Image.
type ImageMethod struct {
	Index      uint32
	Name       string
	Offset     uint32
	Size       uint32
	FrameSize  uint32
	Intrinsic  bool
	NativeStub bool
	StackMap   []byte
	CFI        []byte
	Patches    []LinkerPatch
}

// ImageThunk describes one thunk of an Image.
type ImageThunk struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Link lays out methods followed by thunks, assigns .bss slots to the strings referenced by
// the methods and resolves every patch with p.
func Link(isa optimizingapi.InstructionSet, methods []*CompiledMethod, thunks []*Thunk, p Patcher) (*Image, error) {
	img := &Image{BuildID: uuid.New(), ISA: isa, StringSlots: map[uint32]uint32{}}
	align := uint32(isa.CodeAlignment())
	var offset uint32
	methodAddrs := make(map[uint32]uint32, len(methods))
	for _, cm := range methods {
		if cm.ISA != isa {
			return nil, errors.Errorf("method %s is compiled for %s, not %s", cm.Name, cm.ISA, isa)
		}
		if err := VerifyPatchOrder(cm.Patches); err != nil {
			return nil, errors.Wrapf(err, "method %s", cm.Name)
		}
		offset = alignUp(offset, align)
		methodAddrs[cm.MethodIndex] = offset
		img.Methods = append(img.Methods, ImageMethod{
			Index:      cm.MethodIndex,
			Name:       cm.Name,
			Offset:     offset,
			Size:       uint32(len(cm.Code)),
			FrameSize:  uint32(cm.FrameSize),
			Intrinsic:  cm.Intrinsic,
			NativeStub: cm.NativeStub,
			StackMap:   cm.StackMap,
			CFI:        cm.CFI,
			Patches:    cm.Patches,
		})
		offset += uint32(len(cm.Code))
	}
	thunkAddrs := make(map[ThunkKey]uint32, len(thunks))
	for _, t := range thunks {
		offset = alignUp(offset, align)
		thunkAddrs[t.Key] = offset
		img.Thunks = append(img.Thunks, ImageThunk{Name: t.DebugName, Offset: offset, Size: uint32(len(t.Code))})
		offset += uint32(len(t.Code))
	}

	var strings []uint32
	for _, cm := range methods {
		for _, patch := range cm.Patches {
			if patch.Type != PatchStringBssEntry {
				continue
			}
			if _, ok := img.StringSlots[patch.TargetIndex]; !ok {
				img.StringSlots[patch.TargetIndex] = 0
				strings = append(strings, patch.TargetIndex)
			}
		}
	}
	sort.Slice(strings, func(i, j int) bool { return strings[i] < strings[j] })
	ps := uint32(isa.PointerSize())
	bssStart := alignUp(offset, 8)
	for i, idx := range strings {
		img.StringSlots[idx] = bssStart + uint32(i)*ps
	}
	img.BssSize = uint32(len(strings)) * ps

	img.Text = make([]byte, bssStart)
	for i, cm := range methods {
		base := img.Methods[i].Offset
		code := img.Text[base : base+uint32(len(cm.Code))]
		copy(code, cm.Code)
		for _, patch := range cm.Patches {
			var err error
			switch patch.Type {
			case PatchCallRelative:
				target, ok := methodAddrs[patch.TargetIndex]
				if !ok {
					return nil, errors.Errorf("method %s: call to undefined method@%d", cm.Name, patch.TargetIndex)
				}
				err = p.PatchCall(code, int(patch.LiteralOffset), uint64(base), uint64(target))
			case PatchCallEntrypoint:
				target, ok := thunkAddrs[patch.Key()]
				if !ok {
					return nil, errors.Errorf("method %s: no thunk for %s", cm.Name, patch)
				}
				err = p.PatchCall(code, int(patch.LiteralOffset), uint64(base), uint64(target))
			case PatchStringBssEntry:
				err = p.PatchDataLoad(code, int(patch.LiteralOffset), uint64(base), uint64(img.StringSlots[patch.TargetIndex]))
			default:
				err = errors.Errorf("unknown patch type %s", patch.Type)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "method %s: %s", cm.Name, patch)
			}
		}
	}
	for i, t := range thunks {
		copy(img.Text[img.Thunks[i].Offset:], t.Code)
	}
	return img, nil
}

// Method returns the method with the given index.
func (img *Image) Method(index uint32) (*ImageMethod, bool) {
	for i := range img.Methods {
		if img.Methods[i].Index == index {
			return &img.Methods[i], true
		}
	}
	return nil, false
}

// Code returns the code of m.
func (img *Image) Code(m *ImageMethod) []byte {
	return img.Text[m.Offset : m.Offset+m.Size]
}

// WriteTo writes img: a fixed header followed by an lz4 frame holding the tables and the text.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	var header [imageHeaderSize]byte
	copy(header[:4], imageMagic[:])
	binary.LittleEndian.PutUint16(header[4:], imageVersion)
	header[6] = byte(img.ISA)
	copy(header[8:], img.BuildID[:])
	n, err := w.Write(header[:])
	if err != nil {
		return int64(n), errors.Wrap(err, "writing image header")
	}

	cw := &countingWriter{w: w}
	zw := lz4.NewWriter(cw)
	if _, err = zw.Write(img.encodeBody()); err != nil {
		return int64(n) + cw.n, errors.Wrap(err, "compressing image")
	}
	if err = zw.Close(); err != nil {
		return int64(n) + cw.n, errors.Wrap(err, "compressing image")
	}
	return int64(n) + cw.n, nil
}

func (img *Image) encodeBody() []byte {
	var e encoder
	e.uvarint(uint64(len(img.Methods)))
	for i := range img.Methods {
		m := &img.Methods[i]
		e.uvarint(uint64(m.Index))
		e.bytes([]byte(m.Name))
		e.uvarint(uint64(m.Offset))
		e.uvarint(uint64(m.Size))
		e.uvarint(uint64(m.FrameSize))
		var flags byte
		if m.Intrinsic {
			flags |= 1
		}
		if m.NativeStub {
			flags |= 2
		}
		e.buf = append(e.buf, flags)
		e.bytes(m.StackMap)
		e.bytes(m.CFI)
		e.uvarint(uint64(len(m.Patches)))
		var last uint32
		for _, p := range m.Patches {
			e.uvarint(uint64(p.LiteralOffset - last))
			last = p.LiteralOffset
			e.buf = append(e.buf, byte(p.Type))
			e.uvarint(uint64(p.TargetIndex))
		}
	}
	e.uvarint(uint64(len(img.Thunks)))
	for _, t := range img.Thunks {
		e.bytes([]byte(t.Name))
		e.uvarint(uint64(t.Offset))
		e.uvarint(uint64(t.Size))
	}
	indexes := make([]uint32, 0, len(img.StringSlots))
	for idx := range img.StringSlots {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	e.uvarint(uint64(len(indexes)))
	for _, idx := range indexes {
		e.uvarint(uint64(idx))
		e.uvarint(uint64(img.StringSlots[idx]))
	}
	e.uvarint(uint64(img.BssSize))
	e.bytes(img.Text)
	return e.buf
}

// ReadImage decodes an Image written by Image.WriteTo.
func ReadImage(r io.Reader) (*Image, error) {
	var header [imageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "reading image header")
	}
	if !bytes.Equal(header[:4], imageMagic[:]) {
		return nil, errors.Errorf("bad image magic %q", header[:4])
	}
	if v := binary.LittleEndian.Uint16(header[4:]); v != imageVersion {
		return nil, errors.Errorf("unsupported image version %d", v)
	}
	img := &Image{ISA: optimizingapi.InstructionSet(header[6]), StringSlots: map[uint32]uint32{}}
	copy(img.BuildID[:], header[8:])

	body, err := io.ReadAll(lz4.NewReader(r))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing image")
	}
	d := decoder{buf: body}
	img.Methods = make([]ImageMethod, d.count())
	for i := range img.Methods {
		m := &img.Methods[i]
		m.Index = uint32(d.uvarint())
		m.Name = string(d.bytes())
		m.Offset = uint32(d.uvarint())
		m.Size = uint32(d.uvarint())
		m.FrameSize = uint32(d.uvarint())
		flags := d.byte()
		m.Intrinsic, m.NativeStub = flags&1 != 0, flags&2 != 0
		m.StackMap = d.bytes()
		m.CFI = d.bytes()
		m.Patches = make([]LinkerPatch, d.count())
		var last uint32
		for j := range m.Patches {
			last += uint32(d.uvarint())
			m.Patches[j] = LinkerPatch{LiteralOffset: last, Type: PatchType(d.byte()), TargetIndex: uint32(d.uvarint())}
		}
	}
	img.Thunks = make([]ImageThunk, d.count())
	for i := range img.Thunks {
		img.Thunks[i] = ImageThunk{Name: string(d.bytes()), Offset: uint32(d.uvarint()), Size: uint32(d.uvarint())}
	}
	for n := d.uvarint(); n > 0 && d.err == nil; n-- {
		idx := uint32(d.uvarint())
		img.StringSlots[idx] = uint32(d.uvarint())
	}
	img.BssSize = uint32(d.uvarint())
	img.Text = d.bytes()
	if d.err != nil {
		return nil, errors.Wrap(d.err, "decoding image")
	}
	for i := range img.Methods {
		m := &img.Methods[i]
		if uint64(m.Offset)+uint64(m.Size) > uint64(len(img.Text)) {
			return nil, errors.Errorf("method %s lies outside of the text", m.Name)
		}
	}
	return img, nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.New("truncated varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// count reads a length that cannot exceed the remaining data.
func (d *decoder) count() int {
	n := d.uvarint()
	if n > uint64(len(d.buf)) {
		if d.err == nil {
			d.err = errors.Errorf("count %d exceeds the remaining data", n)
		}
		return 0
	}
	return int(n)
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) == 0 {
		d.err = errors.New("unexpected end of data")
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = errors.New("unexpected end of data")
		return nil
	}
	ret := d.buf[:n:n]
	d.buf = d.buf[n:]
	return ret
}
