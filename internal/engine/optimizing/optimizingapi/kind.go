package optimizingapi

import "fmt"

// CompilationKind selects the optimization level of a compilation.
type CompilationKind byte

const (
	// CompilationKindOptimized runs the full pipeline.
	CompilationKindOptimized CompilationKind = iota
	// CompilationKindBaseline trades code quality for compile speed.
	CompilationKindBaseline
	// CompilationKindOsr compiles a method for on-stack replacement at a loop header.
	CompilationKindOsr
)

// String implements fmt.Stringer.
func (k CompilationKind) String() string {
	switch k {
	case CompilationKindOptimized:
		return "optimized"
	case CompilationKindBaseline:
		return "baseline"
	case CompilationKindOsr:
		return "osr"
	}
	return fmt.Sprintf("CompilationKind(%d)", k)
}

// CompilerFilter is the AOT compilation policy.
type CompilerFilter byte

const (
	CompilerFilterSpeed CompilerFilter = iota
	CompilerFilterSpace
	CompilerFilterQuicken
	CompilerFilterVerify
)

// String implements fmt.Stringer.
func (f CompilerFilter) String() string {
	switch f {
	case CompilerFilterSpeed:
		return "speed"
	case CompilerFilterSpace:
		return "space"
	case CompilerFilterQuicken:
		return "quicken"
	case CompilerFilterVerify:
		return "verify"
	}
	return fmt.Sprintf("CompilerFilter(%d)", f)
}

// ParseCompilerFilter returns the CompilerFilter named by s.
func ParseCompilerFilter(s string) (CompilerFilter, error) {
	for f := CompilerFilterSpeed; f <= CompilerFilterVerify; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return CompilerFilterSpeed, fmt.Errorf("unknown compiler filter %q", s)
}

// RegisterAllocationStrategy selects the register allocator implementation.
type RegisterAllocationStrategy byte

const (
	RegisterAllocatorLinearScan RegisterAllocationStrategy = iota
	RegisterAllocatorGraphColor
)

// String implements fmt.Stringer.
func (s RegisterAllocationStrategy) String() string {
	switch s {
	case RegisterAllocatorLinearScan:
		return "linear-scan"
	case RegisterAllocatorGraphColor:
		return "graph-color"
	}
	return fmt.Sprintf("RegisterAllocationStrategy(%d)", s)
}

// ParseRegisterAllocationStrategy returns the strategy named by s.
func ParseRegisterAllocationStrategy(s string) (RegisterAllocationStrategy, error) {
	switch s {
	case "linear-scan", "linear_scan":
		return RegisterAllocatorLinearScan, nil
	case "graph-color", "graph_color":
		return RegisterAllocatorGraphColor, nil
	}
	return RegisterAllocatorLinearScan, fmt.Errorf("unknown register allocation strategy %q", s)
}
