package frontend

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// intrinsicArity is the number of arguments of each intrinsic.
var intrinsicArity = map[optimizingapi.Intrinsic]int{
	optimizingapi.IntrinsicLongSum:             2,
	optimizingapi.IntrinsicIntegerLowestOneBit: 1,
	optimizingapi.IntrinsicStringLength:        1,
	optimizingapi.IntrinsicSystemArrayCopy:     5,
}

// BuildIntrinsicGraph builds the graph of the intrinsic implementation of m into b, which is reset first.
// It returns false if m is not a recognized intrinsic.
func BuildIntrinsicGraph(b ssa.Builder, m *optimizingapi.Method, offsets optimizingapi.OffsetData) bool {
	arity, ok := intrinsicArity[m.Intrinsic]
	if !ok {
		return false
	}
	b.Reset()
	entry := b.AllocateBasicBlock()
	b.SetCurrentBlock(entry)
	args := make([]ssa.Value, arity)
	for i := range args {
		args[i] = entry.AddParam(b, ssa.TypeI64)
	}
	b.Seal(entry)

	var ret ssa.Value
	switch m.Intrinsic {
	case optimizingapi.IntrinsicLongSum:
		add := b.AllocateInstruction().AsIadd(args[0], args[1])
		b.InsertInstruction(add)
		ret = add.Return()
	case optimizingapi.IntrinsicIntegerLowestOneBit:
		// x & -x
		zero := b.AllocateInstruction().AsIconst64(0)
		b.InsertInstruction(zero)
		neg := b.AllocateInstruction().AsIsub(zero.Return(), args[0])
		b.InsertInstruction(neg)
		and := b.AllocateInstruction().AsBinary(ssa.OpcodeBand, args[0], neg.Return())
		b.InsertInstruction(and)
		ret = and.Return()
	case optimizingapi.IntrinsicStringLength:
		load := b.AllocateInstruction().AsLoad(args[0], offsets.StringCountOffset.U32(), ssa.TypeI64)
		b.InsertInstruction(load)
		ret = load.Return()
	case optimizingapi.IntrinsicSystemArrayCopy:
		call := b.AllocateInstruction().AsCallRuntime(uint32(optimizingapi.QuickSystemArrayCopy), args, ssa.TypeInvalid)
		b.InsertInstruction(call)
		ret = ssa.ValueInvalid
	}

	var rets []ssa.Value
	if ret.Valid() {
		rets = []ssa.Value{ret}
	}
	b.InsertInstruction(b.AllocateInstruction().AsReturn(rets))
	return true
}
