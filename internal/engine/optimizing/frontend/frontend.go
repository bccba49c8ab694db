// Package frontend implements the translation of method bytecode to SSA.
package frontend

import (
	"fmt"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/util/logging"
)

// AnalysisResult is the outcome of building the graph of a method.
type AnalysisResult byte

const (
	AnalysisSuccess AnalysisResult = iota
	AnalysisSkipped
	AnalysisInvalidBytecode
	AnalysisFailThrowCatchLoop
	AnalysisFailAmbiguousArrayOp
	AnalysisFailIrreducibleLoopAndStringInit
	AnalysisFailPhiEquivalentInOsr
)

// String implements fmt.Stringer.
func (r AnalysisResult) String() string {
	switch r {
	case AnalysisSuccess:
		return "Success"
	case AnalysisSkipped:
		return "SkippedByPolicy"
	case AnalysisInvalidBytecode:
		return "InvalidBytecode"
	case AnalysisFailThrowCatchLoop:
		return "ThrowInCatchLoop"
	case AnalysisFailAmbiguousArrayOp:
		return "AmbiguousArrayOp"
	case AnalysisFailIrreducibleLoopAndStringInit:
		return "IrreducibleLoopWithStringInit"
	case AnalysisFailPhiEquivalentInOsr:
		return "PhiEquivalentUnderOSR"
	}
	return fmt.Sprintf("AnalysisResult(%d)", r)
}

// Compiler is in charge of lowering the bytecode of one method to SSA.
type Compiler struct {
	ssaBuilder ssa.Builder
	method     *optimizingapi.Method
	kind       optimizingapi.CompilationKind
	info       *methodInfo

	// vars holds one ssa.Variable per virtual register.
	vars []ssa.Variable
	// ssaBlocks holds the ssa.BasicBlock of each bytecode block, nil for unreachable ones.
	ssaBlocks []ssa.BasicBlock
	// seenPreds counts the branches lowered so far into each bytecode block.
	seenPreds []int
	// lastInvoke is the result of the latest invoke, read by move-result.
	lastInvoke ssa.Value
	result     AnalysisResult
}

// NewFrontendCompiler returns a frontend Compiler.
func NewFrontendCompiler(ssaBuilder ssa.Builder) *Compiler {
	return &Compiler{ssaBuilder: ssaBuilder}
}

// Init initializes the state of frontend compiler and make it ready for a next method.
func (c *Compiler) Init(m *optimizingapi.Method, kind optimizingapi.CompilationKind) {
	c.ssaBuilder.Reset()
	c.method = m
	c.kind = kind
	c.info = nil
	c.vars = c.vars[:0]
	c.ssaBlocks = c.ssaBlocks[:0]
	c.seenPreds = c.seenPreds[:0]
	c.lastInvoke = ssa.ValueInvalid
	c.result = AnalysisSuccess
}

// LowerToSSA lowers the current method to SSA and returns the outcome. Anything other than
// AnalysisSuccess leaves the graph in an unspecified state.
func (c *Compiler) LowerToSSA() AnalysisResult {
	m := c.method
	if m.AccessFlags&optimizingapi.AccCompileDontBother != 0 {
		return AnalysisSkipped
	}

	info, err := verify(m)
	if err != nil {
		logging.V(3).Infof("Invalid bytecode in %s: %v", m, err)
		return AnalysisInvalidBytecode
	}
	c.info = info

	if m.HasCatchHandlers && info.throwInLoop() {
		return AnalysisFailThrowCatchLoop
	}

	if res := c.lowerBody(); res != AnalysisSuccess {
		return res
	}

	builder := c.ssaBuilder
	ssa.PassRedundantPhiElimination(builder)
	builder.RunCFGAnalysis()
	if info.usesStringInit && builder.HasIrreducibleLoops() {
		return AnalysisFailIrreducibleLoopAndStringInit
	}
	if c.kind == optimizingapi.CompilationKindOsr && !builder.HasLoops() {
		return AnalysisSkipped
	}
	return AnalysisSuccess
}

// ConstantReturn returns the constant returned by m if its body only materializes a
// constant and returns it. A method only made of return-void yields zero.
func ConstantReturn(m *optimizingapi.Method) (uint64, bool) {
	if m == nil || m.IsNative() || len(m.Code) == 0 {
		return 0, false
	}
	var (
		pc    int
		reg   uint32
		lit   int64
		found bool
	)
	for pc < len(m.Code) {
		in, err := Decode(m.Code, pc)
		if err != nil {
			return 0, false
		}
		pc += in.Size
		switch in.Opcode {
		case OpcodeNop:
		case OpcodeConst:
			if found {
				return 0, false
			}
			reg, lit, found = in.A, in.Literal, true
		case OpcodeReturn:
			if !found || in.A != reg {
				return 0, false
			}
			return uint64(lit), true
		case OpcodeReturnVoid:
			return 0, true
		default:
			return 0, false
		}
	}
	return 0, false
}

func (c *Compiler) formatBuilder() string {
	return c.ssaBuilder.Format()
}
