package jit

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

var debugInfoMagic = [4]byte{'M', 'D', 'I', '1'}

// MethodDebugInfo describes the code of one method to debuggers and profilers.
type MethodDebugInfo struct {
	Name        string
	ISA         optimizingapi.InstructionSet
	CodeAddress uint64
	CodeSize    int
	FrameSize   int
	// CFI is the DWARF call frame information of the code.
	CFI []byte
}

// GenerateMiniDebugInfo encodes info into an lz4-compressed symbol record. It needs the
// final code address, so it is built between Reserve and Commit.
func GenerateMiniDebugInfo(info *MethodDebugInfo) ([]byte, error) {
	raw := make([]byte, 0, 32+len(info.Name)+len(info.CFI))
	raw = append(raw, debugInfoMagic[:]...)
	raw = append(raw, byte(info.ISA))
	raw = binary.AppendUvarint(raw, info.CodeAddress)
	raw = binary.AppendUvarint(raw, uint64(info.CodeSize))
	raw = binary.AppendUvarint(raw, uint64(info.FrameSize))
	raw = binary.AppendUvarint(raw, uint64(len(info.Name)))
	raw = append(raw, info.Name...)
	raw = binary.AppendUvarint(raw, uint64(len(info.CFI)))
	raw = append(raw, info.CFI...)

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "compressing debug info")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing debug info")
	}
	return buf.Bytes(), nil
}

// ReadMiniDebugInfo decodes a record built by GenerateMiniDebugInfo.
func ReadMiniDebugInfo(b []byte) (*MethodDebugInfo, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing debug info")
	}
	if len(raw) < 5 || !bytes.Equal(raw[:4], debugInfoMagic[:]) {
		return nil, errors.New("not a mini debug info record")
	}
	info := &MethodDebugInfo{ISA: optimizingapi.InstructionSet(raw[4])}
	rest := raw[5:]
	next := func() uint64 {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			err = errors.New("truncated mini debug info")
			rest = nil
			return 0
		}
		rest = rest[n:]
		return v
	}
	chunk := func() []byte {
		n := next()
		if err != nil || n > uint64(len(rest)) {
			err = errors.New("truncated mini debug info")
			return nil
		}
		ret := rest[:n]
		rest = rest[n:]
		return ret
	}
	info.CodeAddress = next()
	info.CodeSize = int(next())
	info.FrameSize = int(next())
	info.Name = string(chunk())
	info.CFI = append([]byte(nil), chunk()...)
	if err != nil {
		return nil, err
	}
	return info, nil
}
