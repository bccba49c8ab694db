package optimizingapi

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// ArenaKind labels what an arena allocation was used for.
type ArenaKind byte

const (
	ArenaAllocGraph ArenaKind = iota
	ArenaAllocInstruction
	ArenaAllocBasicBlock
	ArenaAllocLiveness
	ArenaAllocRegisterAllocator
	ArenaAllocCodeBuffer
	ArenaAllocStackMaps
	ArenaAllocPatches
	arenaKindEnd
)

var arenaKindNames = [arenaKindEnd]string{
	ArenaAllocGraph:             "Graph",
	ArenaAllocInstruction:       "Instruction",
	ArenaAllocBasicBlock:        "BasicBlock",
	ArenaAllocLiveness:          "Liveness",
	ArenaAllocRegisterAllocator: "RegAlloc",
	ArenaAllocCodeBuffer:        "CodeBuffer",
	ArenaAllocStackMaps:         "StackMaps",
	ArenaAllocPatches:           "Patches",
}

// String implements fmt.Stringer.
func (k ArenaKind) String() string {
	if k < arenaKindEnd {
		return arenaKindNames[k]
	}
	return fmt.Sprintf("ArenaKind(%d)", k)
}

// Arena accounts the transient memory of one compilation. It is owned by exactly
// one compilation and never shared between goroutines.
//
// Scoped arenas (see Scope) model stack-allocated phases like liveness and register
// allocation: their bytes are released on Release, but the peak is kept for the report.
type Arena struct {
	bytes     [arenaKindEnd]int
	current   int
	peak      int
	parent    *Arena
	released  bool
	peakStats [arenaKindEnd]int
}

// NewArena returns a new root Arena.
func NewArena() *Arena {
	return &Arena{}
}

// Record accounts n bytes of kind.
func (a *Arena) Record(kind ArenaKind, n int) {
	if a.released {
		panic("BUG: allocation in released arena scope")
	}
	a.bytes[kind] += n
	a.current += n
	if a.current > a.peak {
		a.peak = a.current
		a.peakStats = a.bytes
	}
}

// Scope returns a child arena whose allocations are dropped on Release.
func (a *Arena) Scope() *Arena {
	return &Arena{parent: a}
}

// Release frees every allocation of this scope, folding its peak into the parent's peak.
func (a *Arena) Release() {
	if a.parent == nil || a.released {
		return
	}
	a.released = true
	p := a.parent
	if p.current+a.peak > p.peak {
		p.peak = p.current + a.peak
		p.peakStats = p.bytes
		for k := range a.peakStats {
			p.peakStats[k] += a.peakStats[k]
		}
	}
}

// BytesAllocated returns the bytes allocated directly in this arena.
func (a *Arena) BytesAllocated() int {
	return a.current
}

// PeakBytesAllocated returns the maximum bytes live at once, including released scopes.
func (a *Arena) PeakBytesAllocated() int {
	return a.peak
}

// MemStats returns a per-kind breakdown of the peak usage.
func (a *Arena) MemStats() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MEM: used: %s, peak: %s\n", units.HumanSize(float64(a.current)), units.HumanSize(float64(a.peak)))
	for k := ArenaKind(0); k < arenaKindEnd; k++ {
		if a.peakStats[k] == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%-12s %10d\n", k.String(), a.peakStats[k])
	}
	return sb.String()
}
