package backend

import (
	"sort"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// RegisterAllocator assigns a Location to every virtual register of a Compiler.
type RegisterAllocator interface {
	// AllocateRegisters assigns the locations and lays out the frame.
	AllocateRegisters()
	// Strategy returns the algorithm of this allocator.
	Strategy() optimizingapi.RegisterAllocationStrategy
}

// NewRegisterAllocator implements Compiler.NewRegisterAllocator.
func (c *compiler[T]) NewRegisterAllocator(arena *optimizingapi.Arena, strategy optimizingapi.RegisterAllocationStrategy) RegisterAllocator {
	switch strategy {
	case optimizingapi.RegisterAllocatorLinearScan:
		return &linearScan[T]{c: c, arena: arena}
	case optimizingapi.RegisterAllocatorGraphColor:
		return &graphColor[T]{c: c, arena: arena}
	default:
		panic("BUG: unknown register allocation strategy " + strategy.String())
	}
}

// spill gives the virtual register id a stack slot of its own.
func (c *compiler[T]) spill(id VRegID) {
	c.locations[id] = Location{Kind: LocationStack, Offset: c.spillSlots}
	c.spillSlots++
}

func (c *compiler[T]) resetLocations() {
	if !c.livenessDone {
		panic("BUG: ComputeLiveness must be called before allocating registers")
	}
	c.locations = c.locations[:0]
	for range c.intervals {
		c.locations = append(c.locations, Location{})
	}
	c.spillSlots = 0
}

// frameLayout describes the frame below the saved frame pointer. From the stack pointer up:
// the outgoing stack arguments, the spill slots and the save area of the callee-saved registers.
type frameLayout struct {
	size           int
	spillBase      int
	calleeSaveBase int
}

// finishAllocation lays out the frame once every location is known: spill slot numbers
// become offsets from the stack pointer.
func (c *compiler[T]) finishAllocation() {
	ri := c.regInfo
	ws := ri.WordSize
	used := map[RealReg]bool{}
	for _, l := range c.locations {
		if l.IsRegister() && ri.IsCalleeSaved(l.Reg) {
			used[l.Reg] = true
		}
	}
	c.usedCalleeSaved = c.usedCalleeSaved[:0]
	for _, r := range ri.CalleeSavedRegisters {
		if used[r] {
			c.usedCalleeSaved = append(c.usedCalleeSaved, r)
		}
	}

	outgoing := c.maxCallArgs - len(ri.ArgumentRegisters)
	if outgoing < 0 {
		outgoing = 0
	}
	c.frame.spillBase = outgoing * ws
	c.frame.calleeSaveBase = c.frame.spillBase + c.spillSlots*ws
	c.frame.size = alignFrame(c.frame.calleeSaveBase + len(c.usedCalleeSaved)*ws)
	for i := range c.locations {
		if l := &c.locations[i]; l.IsStack() {
			l.Offset = c.frame.spillBase + l.Offset*ws
		}
	}
	c.allocated = true
}

func alignFrame(n int) int {
	return (n + 15) &^ 15
}

// linearScan is the linear scan register allocator of Poletto and Sarkar over the hull intervals.
type linearScan[T Machine] struct {
	c     *compiler[T]
	arena *optimizingapi.Arena
}

// Strategy implements RegisterAllocator.Strategy.
func (a *linearScan[T]) Strategy() optimizingapi.RegisterAllocationStrategy {
	return optimizingapi.RegisterAllocatorLinearScan
}

// AllocateRegisters implements RegisterAllocator.AllocateRegisters.
func (a *linearScan[T]) AllocateRegisters() {
	a.c.resetLocations()
	intervals, ri := a.c.intervalsAndInfo()
	order := make([]*liveInterval, 0, len(intervals))
	for i := range intervals {
		if intervals[i].start >= 0 {
			order = append(order, &intervals[i])
		}
	}
	record(a.arena, optimizingapi.ArenaAllocRegisterAllocator, len(order)*8)
	sort.SliceStable(order, func(i, j int) bool { return order[i].start < order[j].start })

	var active []*liveInterval
	owner := map[RealReg]*liveInterval{}
	for _, iv := range order {
		// Expire the intervals ending before iv.
		kept := active[:0]
		for _, x := range active {
			if x.end < iv.start {
				delete(owner, regOf(owner, x))
				continue
			}
			kept = append(kept, x)
		}
		active = kept

		cands := candidatesOf(ri, iv)
		r := pickFree(cands, iv.hint, func(r RealReg) bool { return owner[r] == nil })
		if r != RealRegInvalid {
			owner[r] = iv
			a.c.assign(iv.vreg, r)
			active = append(active, iv)
			continue
		}

		// Spill the interval ending last among iv and the holders of its candidates.
		var victim *liveInterval
		var victimReg RealReg
		for _, cr := range cands {
			if o := owner[cr]; o != nil && (victim == nil || o.end > victim.end) {
				victim, victimReg = o, cr
			}
		}
		if victim != nil && victim.end > iv.end {
			a.c.spill(victim.vreg)
			owner[victimReg] = iv
			a.c.assign(iv.vreg, victimReg)
			for i, x := range active {
				if x == victim {
					active[i] = iv
					break
				}
			}
		} else {
			a.c.spill(iv.vreg)
		}
	}
	a.c.finishAllocation()
}

func regOf(owner map[RealReg]*liveInterval, iv *liveInterval) RealReg {
	for r, o := range owner {
		if o == iv {
			return r
		}
	}
	return RealRegInvalid
}

// candidatesOf returns the registers iv may be assigned to, in preference order.
func candidatesOf(ri *RegisterInfo, iv *liveInterval) []RealReg {
	if iv.crossesCall {
		return ri.CalleeSavedRegisters
	}
	return ri.AllocatableRegisters
}

// pickFree returns the hint if it is a free candidate, else the first free candidate.
func pickFree(cands []RealReg, hint RealReg, free func(RealReg) bool) RealReg {
	if hint != RealRegInvalid {
		for _, r := range cands {
			if r == hint && free(r) {
				return r
			}
		}
	}
	for _, r := range cands {
		if free(r) {
			return r
		}
	}
	return RealRegInvalid
}

// graphColor is a Chaitin-Briggs allocator: the interference graph is built from the intervals,
// simplified optimistically and colored in the reverse simplification order.
type graphColor[T Machine] struct {
	c     *compiler[T]
	arena *optimizingapi.Arena
}

// Strategy implements RegisterAllocator.Strategy.
func (a *graphColor[T]) Strategy() optimizingapi.RegisterAllocationStrategy {
	return optimizingapi.RegisterAllocatorGraphColor
}

// AllocateRegisters implements RegisterAllocator.AllocateRegisters.
func (a *graphColor[T]) AllocateRegisters() {
	a.c.resetLocations()
	intervals, ri := a.c.intervalsAndInfo()
	var nodes []int
	for i := range intervals {
		if intervals[i].start >= 0 {
			nodes = append(nodes, i)
		}
	}
	adj := make(map[int][]int, len(nodes))
	for x := 0; x < len(nodes); x++ {
		for y := x + 1; y < len(nodes); y++ {
			i, j := nodes[x], nodes[y]
			if intervals[i].overlaps(&intervals[j]) {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}
	record(a.arena, optimizingapi.ArenaAllocRegisterAllocator, len(nodes)*len(nodes)/8+len(nodes)*16)

	k := len(ri.AllocatableRegisters)
	degree := make(map[int]int, len(nodes))
	removed := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		degree[n] = len(adj[n])
	}
	stack := make([]int, 0, len(nodes))
	for len(stack) < len(nodes) {
		pick := -1
		for _, n := range nodes {
			if !removed[n] && degree[n] < k {
				pick = n
				break
			}
		}
		if pick < 0 {
			// Optimistically push the most constrained node: it may still get a color.
			for _, n := range nodes {
				if !removed[n] && (pick < 0 || degree[n] > degree[pick]) {
					pick = n
				}
			}
		}
		removed[pick] = true
		stack = append(stack, pick)
		for _, m := range adj[pick] {
			degree[m]--
		}
	}

	colors := make(map[int]RealReg, len(nodes))
	for i := len(stack) - 1; i >= 0; i-- {
		n := stack[i]
		iv := &intervals[n]
		taken := map[RealReg]bool{}
		for _, m := range adj[n] {
			if r, ok := colors[m]; ok {
				taken[r] = true
			}
		}
		r := pickFree(candidatesOf(ri, iv), iv.hint, func(r RealReg) bool { return !taken[r] })
		if r == RealRegInvalid {
			a.c.spill(iv.vreg)
			continue
		}
		colors[n] = r
		a.c.assign(iv.vreg, r)
	}
	a.c.finishAllocation()
}

func (c *compiler[T]) intervalsAndInfo() ([]liveInterval, *RegisterInfo) {
	return c.intervals, c.regInfo
}

func (c *compiler[T]) assign(id VRegID, r RealReg) {
	c.locations[id] = RegisterLocation(r)
}
