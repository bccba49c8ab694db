package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeCFI(t *testing.T) {
	for _, tc := range []struct {
		name   string
		events []CFIEvent
		exp    []byte
	}{
		{name: "empty"},
		{
			name: "frame",
			events: []CFIEvent{
				{PC: 4, Op: CFIDefCFAOffset, Offset: 16},
				{PC: 4, Op: CFIOffset, Reg: 29, Offset: -16},
				{PC: 4, Op: CFIOffset, Reg: 30, Offset: -8},
				{PC: 16, Op: CFIRememberState},
				{PC: 24, Op: CFIRestoreState},
			},
			exp: []byte{0x44, 0x0e, 0x10, 0x9d, 0x04, 0x9e, 0x02, 0x4c, 0x0a, 0x48, 0x0b},
		},
		{
			name:   "advance_loc1",
			events: []CFIEvent{{PC: 0x80, Op: CFIRememberState}},
			exp:    []byte{0x02, 0x80, 0x0a},
		},
		{
			name:   "advance_loc2",
			events: []CFIEvent{{PC: 0x100, Op: CFIDefCFAOffset, Offset: 0x200}},
			exp:    []byte{0x03, 0x00, 0x01, 0x0e, 0x80, 0x04},
		},
		{
			name:   "advance_loc4",
			events: []CFIEvent{{PC: 0x10000, Op: CFIRememberState}},
			exp:    []byte{0x04, 0x00, 0x00, 0x01, 0x00, 0x0a},
		},
		{
			name:   "offset_extended",
			events: []CFIEvent{{Op: CFIOffset, Reg: 0x40, Offset: -8}},
			exp:    []byte{0x05, 0x40, 0x02},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, EncodeCFI(tc.events))
		})
	}
	require.Panics(t, func() { EncodeCFI([]CFIEvent{{Op: 0}}) })
}

func TestLiveInterval(t *testing.T) {
	a := &liveInterval{start: 0, end: 4}
	require.True(t, a.overlaps(&liveInterval{start: 4, end: 6}))
	require.False(t, a.overlaps(&liveInterval{start: 5, end: 6}))
	require.True(t, a.liveAcross(2))
	require.False(t, a.liveAcross(4))
	require.False(t, a.liveAcross(0))

	s := newVRegSet(130)
	for _, id := range []VRegID{0, 63, 64, 129} {
		s.add(id)
	}
	require.True(t, s.has(64))
	require.False(t, s.has(65))
	var ids []VRegID
	s.forEach(func(id VRegID) { ids = append(ids, id) })
	require.Equal(t, []VRegID{0, 63, 64, 129}, ids)
}
