package optimizing

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend/isa/amd64"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend/isa/arm64"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// newMachine returns the code generator of isa, or nil if there is none.
func newMachine(isa optimizingapi.InstructionSet) backend.Machine {
	switch isa {
	case optimizingapi.InstructionSetArm64:
		return arm64.NewBackend()
	case optimizingapi.InstructionSetX86_64:
		return amd64.NewBackend()
	case optimizingapi.InstructionSetX86:
		return amd64.NewX86Backend()
	default:
		return nil
	}
}

// newCodegen returns the backend compiler of isa over b, or nil.
func (c *OptimizingCompiler) newCodegen(isa optimizingapi.InstructionSet, b ssa.Builder) backend.Compiler {
	mach := newMachine(isa)
	if mach == nil {
		return nil
	}
	return backend.NewBackendCompiler(mach, b, backend.Options{
		JIT:     c.opts.IsJitCompiler(),
		Offsets: optimizingapi.NewOffsetData(isa),
	})
}
