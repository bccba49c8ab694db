package backend

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// GenerateJniStub implements Compiler.GenerateJniStub.
//
// The stub receives the ArtMethod in the first argument register followed by the arguments of m.
// Unless m is a critical native, it spills the argument registers around the transition to native
// code, calls the native entry point of the ArtMethod and transitions back, keeping the result
// in a stack slot meanwhile. Critical natives are called directly.
func (c *compiler[T]) GenerateJniStub(m *optimizingapi.Method) error {
	ri := c.regInfo
	ws := ri.WordSize
	mach := c.mach
	argRegs := int(m.InsSize) + 1
	if argRegs > len(ri.ArgumentRegisters) {
		argRegs = len(ri.ArgumentRegisters)
	}
	critical := m.IsCriticalNative()
	if !critical {
		c.frame.size = alignFrame((argRegs + 1) * ws)
	}
	c.hasCalls = true
	c.stackMaps.BeginMethod(c.frame.size)
	c.cfiEvents = append(c.cfiEvents, mach.EmitPrologue(c.frame.size)...)

	methodReg := ri.ArgumentRegisters[0]
	jniEntry := c.opts.Offsets.ArtMethodJniEntryOffset.U32()
	if critical {
		mach.EmitCallIndirect(methodReg, jniEntry)
	} else {
		for i := 0; i < argRegs; i++ {
			mach.EmitStoreStack(ri.ArgumentRegisters[i], i*ws)
		}
		c.callEntrypoint(optimizingapi.QuickJniMethodStart)
		for i := 0; i < argRegs; i++ {
			mach.EmitLoadStack(ri.ArgumentRegisters[i], i*ws)
		}
		mach.EmitCallIndirect(methodReg, jniEntry)
		resultSlot := argRegs * ws
		mach.EmitStoreStack(ri.ReturnRegister, resultSlot)
		c.callEntrypoint(optimizingapi.QuickJniMethodEnd)
		mach.EmitLoadStack(ri.ReturnRegister, resultSlot)
	}
	mach.EmitEpilogue(c.frame.size)
	c.allocated = true
	return c.encode()
}
