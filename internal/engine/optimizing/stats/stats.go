// Package stats accumulates the outcome counters of a compiler session.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"
)

// MethodCompilationStat names one counted outcome or event.
type MethodCompilationStat int

const (
	AttemptBytecodeCompilation MethodCompilationStat = iota
	AttemptIntrinsicCompilation
	CompiledNativeStub
	CompiledIntrinsic
	CompiledBytecode
	NotCompiledAmbiguousArrayOp
	NotCompiledInvalidBytecode
	NotCompiledIrreducibleLoopAndStringInit
	NotCompiledIntrinsicNotLeaf
	NotCompiledNoCodegen
	NotCompiledPathological
	NotCompiledPhiEquivalentInOsr
	NotCompiledSkipped
	NotCompiledSpaceFilter
	NotCompiledThrowCatchLoop
	NotCompiledUnsupportedIsa
	JitOutOfMemoryForCommit
	JitCommitFailed
	ConstantFolded
	SimplifiedInstruction
	RemovedDeadInstruction
	RemovedDeadBlock
	InlinedInvoke
	GlobalValueNumbered
	HoistedLoopInvariant
	RemovedLoad
	RemovedConstructorFence
	lastStat
)

var statNames = [lastStat]string{
	AttemptBytecodeCompilation:              "AttemptBytecodeCompilation",
	AttemptIntrinsicCompilation:             "AttemptIntrinsicCompilation",
	CompiledNativeStub:                      "CompiledNativeStub",
	CompiledIntrinsic:                       "CompiledIntrinsic",
	CompiledBytecode:                        "CompiledBytecode",
	NotCompiledAmbiguousArrayOp:             "NotCompiledAmbiguousArrayOp",
	NotCompiledInvalidBytecode:              "NotCompiledInvalidBytecode",
	NotCompiledIrreducibleLoopAndStringInit: "NotCompiledIrreducibleLoopAndStringInit",
	NotCompiledIntrinsicNotLeaf:             "NotCompiledIntrinsicNotLeaf",
	NotCompiledNoCodegen:                    "NotCompiledNoCodegen",
	NotCompiledPathological:                 "NotCompiledPathological",
	NotCompiledPhiEquivalentInOsr:           "NotCompiledPhiEquivalentInOsr",
	NotCompiledSkipped:                      "NotCompiledSkipped",
	NotCompiledSpaceFilter:                  "NotCompiledSpaceFilter",
	NotCompiledThrowCatchLoop:               "NotCompiledThrowCatchLoop",
	NotCompiledUnsupportedIsa:               "NotCompiledUnsupportedIsa",
	JitOutOfMemoryForCommit:                 "JitOutOfMemoryForCommit",
	JitCommitFailed:                         "JitCommitFailed",
	ConstantFolded:                          "ConstantFolded",
	SimplifiedInstruction:                   "SimplifiedInstruction",
	RemovedDeadInstruction:                  "RemovedDeadInstruction",
	RemovedDeadBlock:                        "RemovedDeadBlock",
	InlinedInvoke:                           "InlinedInvoke",
	GlobalValueNumbered:                     "GlobalValueNumbered",
	HoistedLoopInvariant:                    "HoistedLoopInvariant",
	RemovedLoad:                             "RemovedLoad",
	RemovedConstructorFence:                 "RemovedConstructorFence",
}

// String implements fmt.Stringer.
func (s MethodCompilationStat) String() string {
	if s >= 0 && s < lastStat {
		return statNames[s]
	}
	return fmt.Sprintf("MethodCompilationStat(%d)", int(s))
}

// Stats holds one counter per MethodCompilationStat. It is safe for concurrent use by
// the compiler threads of a session.
type Stats struct {
	counters [lastStat]atomic.Uint32
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{}
}

// RecordStat adds count to the counter of stat.
func (s *Stats) RecordStat(stat MethodCompilationStat, count uint32) {
	s.counters[stat].Add(count)
}

// Get returns the current value of the counter of stat.
func (s *Stats) Get(stat MethodCompilationStat) uint32 {
	return s.counters[stat].Load()
}

// MaybeRecordStat records stat once if stats is not nil.
func MaybeRecordStat(stats *Stats, stat MethodCompilationStat) {
	MaybeRecordStatN(stats, stat, 1)
}

// MaybeRecordStatN records stat count times if stats is not nil.
func MaybeRecordStatN(stats *Stats, stat MethodCompilationStat, count uint32) {
	if stats != nil {
		stats.RecordStat(stat, count)
	}
}

// String renders the non-zero counters, with the share of compiled methods.
func (s *Stats) String() string {
	var sb strings.Builder
	attempts := s.Get(AttemptBytecodeCompilation)
	if attempts == 0 {
		sb.WriteString("Did not compile any method.\n")
	} else {
		compiled := s.Get(CompiledBytecode)
		fmt.Fprintf(&sb, "Attempted compilation of %d methods: %.2f%% (%d) compiled.\n",
			attempts, float64(compiled)*100/float64(attempts), compiled)
	}
	for stat := MethodCompilationStat(0); stat < lastStat; stat++ {
		if v := s.Get(stat); v != 0 {
			fmt.Fprintf(&sb, "%s: %d\n", stat, v)
		}
	}
	return sb.String()
}

// Log writes the report to the info log.
func (s *Stats) Log() {
	for _, line := range strings.Split(strings.TrimRight(s.String(), "\n"), "\n") {
		glog.Info(line)
	}
}
