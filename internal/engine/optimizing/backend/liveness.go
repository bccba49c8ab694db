package backend

import (
	"fmt"
	"strings"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// liveInterval is the range of positions where a virtual register holds a live value. It is the
// hull of the live ranges of the value: holes are not tracked.
type liveInterval struct {
	vreg VRegID
	// start and end are inclusive.
	start, end int
	// crossesCall is true if the value must survive a call.
	crossesCall bool
	// hint is the register the value arrives in or is consumed from, if any.
	hint RealReg
}

func (i *liveInterval) overlaps(o *liveInterval) bool {
	return i.start <= o.end && o.start <= i.end
}

// liveAcross returns true if the value is live across the position p, not only read or defined there.
func (i *liveInterval) liveAcross(p int) bool {
	return i.start < p && i.end > p
}

type vregSet []uint64

func newVRegSet(n int) vregSet { return make(vregSet, (n+63)/64) }

func (s vregSet) add(id VRegID) { s[id/64] |= 1 << (id % 64) }

func (s vregSet) has(id VRegID) bool { return s[id/64]&(1<<(id%64)) != 0 }

func (s vregSet) forEach(fn func(id VRegID)) {
	for w, bits := range s {
		for b := 0; bits != 0; b++ {
			if bits&1 != 0 {
				fn(VRegID(w*64 + b))
			}
			bits >>= 1
		}
	}
}

// ComputeLiveness implements Compiler.ComputeLiveness.
func (c *compiler[T]) ComputeLiveness(arena *optimizingapi.Arena) {
	n := int(c.nextVRegID)
	nb := len(c.blocks)
	blockIndex := make(map[ssa.BasicBlockID]int, nb)
	for i, blk := range c.blocks {
		blockIndex[blk.ID()] = i
	}

	uses, defs := make([]vregSet, nb), make([]vregSet, nb)
	liveIn, liveOut := make([]vregSet, nb), make([]vregSet, nb)
	for i, blk := range c.blocks {
		use, def := newVRegSet(n), newVRegSet(n)
		for p := 0; p < blk.Params(); p++ {
			def.add(c.vRegOf(blk.Param(p)).ID())
		}
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			forEachUse(cur, func(v ssa.Value) {
				if id := c.vRegOf(v).ID(); !def.has(id) {
					use.add(id)
				}
			})
			if r := cur.Return(); r.Valid() {
				def.add(c.vRegOf(r).ID())
			}
		}
		uses[i], defs[i] = use, def
		liveIn[i], liveOut[i] = newVRegSet(n), newVRegSet(n)
	}
	record(arena, optimizingapi.ArenaAllocLiveness, 4*nb*((n+63)/64)*8)

	for changed := true; changed; {
		changed = false
		for i := nb - 1; i >= 0; i-- {
			blk := c.blocks[i]
			out := liveOut[i]
			for s := 0; s < blk.Succs(); s++ {
				j, ok := blockIndex[blk.Succ(s).ID()]
				if !ok {
					continue
				}
				for w := range out {
					out[w] |= liveIn[j][w]
				}
			}
			in := liveIn[i]
			for w := range in {
				next := uses[i][w] | (out[w] &^ defs[i][w])
				if next != in[w] {
					in[w] = next
					changed = true
				}
			}
		}
	}

	c.intervals = c.intervals[:0]
	for id := 0; id < n; id++ {
		c.intervals = append(c.intervals, liveInterval{vreg: VRegID(id), start: -1, end: -1})
	}
	record(arena, optimizingapi.ArenaAllocLiveness, n*32)
	for i, blk := range c.blocks {
		r := c.blockRanges[i]
		liveIn[i].forEach(func(id VRegID) { c.extend(id, r.start) })
		liveOut[i].forEach(func(id VRegID) { c.extend(id, r.end-1) })
		for p := 0; p < blk.Params(); p++ {
			c.extend(c.vRegOf(blk.Param(p)).ID(), r.start)
		}
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			pos := c.positions[cur]
			forEachUse(cur, func(v ssa.Value) { c.extend(c.vRegOf(v).ID(), pos) })
			if rv := cur.Return(); rv.Valid() {
				id := c.vRegOf(rv).ID()
				c.extend(id, pos+1)
				if cur.IsCall() {
					c.intervals[id].hint = c.regInfo.ReturnRegister
				}
			}
		}
	}

	if len(c.blocks) > 0 {
		entry := c.blocks[0]
		for p := 0; p < entry.Params() && p < len(c.regInfo.ArgumentRegisters); p++ {
			c.intervals[c.vRegOf(entry.Param(p)).ID()].hint = c.regInfo.ArgumentRegisters[p]
		}
	}
	for id := range c.intervals {
		iv := &c.intervals[id]
		for _, p := range c.callSites {
			if iv.liveAcross(p) {
				iv.crossesCall = true
				break
			}
		}
	}
	c.livenessDone = true
}

func record(arena *optimizingapi.Arena, kind optimizingapi.ArenaKind, n int) {
	if arena != nil {
		arena.Record(kind, n)
	}
}

func (c *compiler[T]) extend(id VRegID, pos int) {
	iv := &c.intervals[id]
	if iv.start < 0 || pos < iv.start {
		iv.start = pos
	}
	if pos > iv.end {
		iv.end = pos
	}
}

// formatIntervals returns the live intervals for debugging.
func (c *compiler[T]) formatIntervals() string {
	var sb strings.Builder
	for i := range c.intervals {
		iv := &c.intervals[i]
		fmt.Fprintf(&sb, "r%d: [%d, %d]", iv.vreg, iv.start, iv.end)
		if iv.crossesCall {
			sb.WriteString(" call")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
