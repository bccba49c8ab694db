package arm64

import (
	"encoding/binary"
	"strings"
)

func newMachine() *machine {
	return NewBackend().(*machine)
}

func formatEmittedInstructions(m *machine) string {
	var strs []string
	for cur := m.head; cur != nil; cur = cur.next {
		strs = append(strs, cur.String())
	}
	return strings.Join(strs, "; ")
}

func words(code []byte) []uint32 {
	var ret []uint32
	for i := 0; i+4 <= len(code); i += 4 {
		ret = append(ret, binary.LittleEndian.Uint32(code[i:]))
	}
	return ret
}
