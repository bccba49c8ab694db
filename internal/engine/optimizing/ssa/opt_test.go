package ssa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func insert(b Builder, instr *Instruction) *Instruction {
	b.InsertInstruction(instr)
	return instr
}

func TestBuilder_passes(t *testing.T) {
	for _, tc := range []struct {
		name string
		// setup creates the SSA function in the given *builder.
		setup func(b *builder)
		// pass is the optimization pass to run.
		pass       func(b Builder) bool
		expChanged bool
		// before is the expected SSA function after `setup` is executed. Empty to skip the check.
		before,
		// after is the expected output after optimization pass.
		after string
	}{
		{
			name: "constant folding",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				c1 := insert(b, b.AllocateInstruction().AsIconst64(2)).Return()
				c2 := insert(b, b.AllocateInstruction().AsIconst64(3)).Return()
				add := insert(b, b.AllocateInstruction().AsIadd(c1, c2)).Return()
				mul := insert(b, b.AllocateInstruction().AsImul(add, p)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{mul}))
			},
			pass:       PassConstantFolding,
			expChanged: true,
			before: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x2
	v2:i64 = Iconst_64 0x3
	v3:i64 = Iadd v1, v2
	v4:i64 = Imul v3, v0
	Return v4
`,
			after: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x2
	v2:i64 = Iconst_64 0x3
	v3:i64 = Iconst_64 0x5
	v4:i64 = Imul v3, v0
	Return v4
`,
		},
		{
			name: "constant folding 32-bit wraps",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				b.SetCurrentBlock(entry)
				c1 := insert(b, b.AllocateInstruction().AsIconst32(0xffffffff)).Return()
				c2 := insert(b, b.AllocateInstruction().AsIconst32(1)).Return()
				add := insert(b, b.AllocateInstruction().AsIadd(c1, c2)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{add}))
			},
			pass:       PassConstantFolding,
			expChanged: true,
			after: `
blk0: ()
	v0:i32 = Iconst_32 0xffffffff
	v1:i32 = Iconst_32 0x1
	v2:i32 = Iconst_32 0x0
	Return v2
`,
		},
		{
			name: "constant branch then dead code",
			setup: func(b *builder) {
				entry, taken, notTaken := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				zero := insert(b, b.AllocateInstruction().AsIconst64(0)).Return()
				insert(b, b.AllocateInstruction().AsBrz(zero, nil, taken))
				insert(b, b.AllocateInstruction().AsJump(nil, notTaken))
				b.SetCurrentBlock(taken)
				insert(b, b.AllocateInstruction().AsReturn([]Value{p}))
				b.SetCurrentBlock(notTaken)
				insert(b, b.AllocateInstruction().AsReturn([]Value{p}))
			},
			pass: func(b Builder) bool {
				return PassConstantFolding(b) && PassDeadCodeElimination(b)
			},
			expChanged: true,
			before: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x0
	Brz v1, blk1
	Jump blk2

blk1: () <-- (blk0)
	Return v0

blk2: () <-- (blk0)
	Return v0
`,
			after: `
blk0: (v0:i64)
	Jump blk1

blk1: () <-- (blk0)
	Return v0
`,
		},
		{
			name: "dead code keeps loads",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				insert(b, b.AllocateInstruction().AsLoad(p, 8, TypeI32))
				insert(b, b.AllocateInstruction().AsIadd(p, p))
				insert(b, b.AllocateInstruction().AsReturn(nil))
			},
			pass:       PassDeadCodeElimination,
			expChanged: true,
			after: `
blk0: (v0:i64)
	v1:i32 = Load v0, 0x8
	Return
`,
		},
		{
			name: "dead code nothing to do",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				insert(b, b.AllocateInstruction().AsReturn([]Value{p}))
			},
			pass:       PassDeadCodeElimination,
			expChanged: false,
			after: `
blk0: (v0:i64)
	Return v0
`,
		},
		{
			name: "simplify",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				zero := insert(b, b.AllocateInstruction().AsIconst64(0)).Return()
				add := insert(b, b.AllocateInstruction().AsIadd(zero, p)).Return()
				eight := insert(b, b.AllocateInstruction().AsIconst64(8)).Return()
				mul := insert(b, b.AllocateInstruction().AsImul(add, eight)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{mul}))
			},
			pass:       func(b Builder) bool { return PassSimplify(b, false) },
			expChanged: true,
			after: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x0
	v3:i64 = Iconst_64 0x8
	v4:i64 = Imul v0, v3
	Return v4
`,
		},
		{
			name: "aggressive simplify",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				eight := insert(b, b.AllocateInstruction().AsIconst64(8)).Return()
				mul := insert(b, b.AllocateInstruction().AsImul(p, eight)).Return()
				sub := insert(b, b.AllocateInstruction().AsIsub(mul, mul)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{sub}))
			},
			pass:       func(b Builder) bool { return PassSimplify(b, true) },
			expChanged: true,
			after: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x8
	v4:i64 = Iconst_64 0x3
	v2:i64 = Ishl v0, v4
	v3:i64 = Iconst_64 0x0
	Return v3
`,
		},
		{
			name: "arch simplify",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				c := insert(b, b.AllocateInstruction().AsIconst64(1)).Return()
				add := insert(b, b.AllocateInstruction().AsIadd(c, p)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{add}))
			},
			pass:       PassArchSimplify,
			expChanged: true,
			after: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x1
	v2:i64 = Iadd v0, v1
	Return v2
`,
		},
		{
			name: "global value numbering",
			setup: func(b *builder) {
				entry, next := b.AllocateBasicBlock(), b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				x := insert(b, b.AllocateInstruction().AsIconst64(5)).Return()
				add1 := insert(b, b.AllocateInstruction().AsIadd(p, x)).Return()
				insert(b, b.AllocateInstruction().AsJump(nil, next))
				b.SetCurrentBlock(next)
				y := insert(b, b.AllocateInstruction().AsIconst64(5)).Return()
				add2 := insert(b, b.AllocateInstruction().AsIadd(y, p)).Return()
				mul := insert(b, b.AllocateInstruction().AsImul(add1, add2)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{mul}))
			},
			pass:       PassGlobalValueNumbering,
			expChanged: true,
			after: `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x5
	v2:i64 = Iadd v0, v1
	Jump blk1

blk1: () <-- (blk0)
	v5:i64 = Imul v2, v2
	Return v5
`,
		},
		{
			name: "global value numbering respects dominance",
			setup: func(b *builder) {
				entry, left, right := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				insert(b, b.AllocateInstruction().AsBrz(p, nil, left))
				insert(b, b.AllocateInstruction().AsJump(nil, right))
				b.SetCurrentBlock(left)
				l := insert(b, b.AllocateInstruction().AsIadd(p, p)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{l}))
				b.SetCurrentBlock(right)
				r := insert(b, b.AllocateInstruction().AsIadd(p, p)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{r}))
			},
			pass:       PassGlobalValueNumbering,
			expChanged: false,
			after: `
blk0: (v0:i64)
	Brz v0, blk1
	Jump blk2

blk1: () <-- (blk0)
	v1:i64 = Iadd v0, v0
	Return v1

blk2: () <-- (blk0)
	v2:i64 = Iadd v0, v0
	Return v2
`,
		},
		{
			name: "licm",
			setup: func(b *builder) {
				entry, header, latch, exit := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
				p := entry.AddParam(b, TypeI64)
				phi := header.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				insert(b, b.AllocateInstruction().AsJump([]Value{p}, header))
				b.SetCurrentBlock(header)
				c := insert(b, b.AllocateInstruction().AsIconst64(7)).Return()
				mul := insert(b, b.AllocateInstruction().AsImul(p, c)).Return()
				add := insert(b, b.AllocateInstruction().AsIadd(phi, mul)).Return()
				insert(b, b.AllocateInstruction().AsBrz(add, nil, latch))
				insert(b, b.AllocateInstruction().AsJump(nil, exit))
				b.SetCurrentBlock(latch)
				insert(b, b.AllocateInstruction().AsJump([]Value{add}, header))
				b.SetCurrentBlock(exit)
				insert(b, b.AllocateInstruction().AsReturn([]Value{add}))
			},
			pass:       PassLICM,
			expChanged: true,
			after: `
blk0: (v0:i64)
	v2:i64 = Iconst_64 0x7
	v3:i64 = Imul v0, v2
	Jump blk1, v0

blk1: (v1:i64) <-- (blk0,blk2)
	v4:i64 = Iadd v1, v3
	Brz v4, blk2
	Jump blk3

blk2: () <-- (blk1)
	Jump blk1, v4

blk3: () <-- (blk1)
	Return v4
`,
		},
		{
			name: "load store elimination",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				obj, val := entry.AddParam(b, TypeI64), entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				l1 := insert(b, b.AllocateInstruction().AsLoad(obj, 8, TypeI64)).Return()
				insert(b, b.AllocateInstruction().AsStore(val, obj, 16))
				l2 := insert(b, b.AllocateInstruction().AsLoad(obj, 16, TypeI64)).Return()
				l3 := insert(b, b.AllocateInstruction().AsLoad(obj, 8, TypeI64)).Return()
				add := insert(b, b.AllocateInstruction().AsIadd(l2, l3)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{l1, add}))
			},
			pass:       PassLoadStoreElimination,
			expChanged: true,
			after: `
blk0: (v0:i64, v1:i64)
	v2:i64 = Load v0, 0x8
	Store v1, v0, 0x10
	v5:i64 = Iadd v1, v2
	Return v2, v5
`,
		},
		{
			name: "load store elimination stops at calls",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				obj := entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				l1 := insert(b, b.AllocateInstruction().AsLoad(obj, 8, TypeI64)).Return()
				insert(b, b.AllocateInstruction().AsCall(3, nil, TypeInvalid))
				l2 := insert(b, b.AllocateInstruction().AsLoad(obj, 8, TypeI64)).Return()
				insert(b, b.AllocateInstruction().AsReturn([]Value{l1, l2}))
			},
			pass:       PassLoadStoreElimination,
			expChanged: false,
			after: `
blk0: (v0:i64)
	v1:i64 = Load v0, 0x8
	Call method@3
	v2:i64 = Load v0, 0x8
	Return v1, v2
`,
		},
		{
			name: "constructor fence elimination",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				obj, val := entry.AddParam(b, TypeI64), entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				insert(b, b.AllocateInstruction().AsConstructorFence(obj))
				insert(b, b.AllocateInstruction().AsStore(val, obj, 8))
				insert(b, b.AllocateInstruction().AsConstructorFence(obj))
				insert(b, b.AllocateInstruction().AsReturn([]Value{obj}))
			},
			pass:       PassConstructorFenceElimination,
			expChanged: true,
			after: `
blk0: (v0:i64, v1:i64)
	Store v1, v0, 0x8
	ConstructorFence v0
	Return v0
`,
		},
		{
			name: "constructor fence kept after publication",
			setup: func(b *builder) {
				entry := b.AllocateBasicBlock()
				obj, holder := entry.AddParam(b, TypeI64), entry.AddParam(b, TypeI64)
				b.SetCurrentBlock(entry)
				insert(b, b.AllocateInstruction().AsConstructorFence(obj))
				insert(b, b.AllocateInstruction().AsStore(obj, holder, 8))
				insert(b, b.AllocateInstruction().AsConstructorFence(obj))
				insert(b, b.AllocateInstruction().AsReturn(nil))
			},
			pass:       PassConstructorFenceElimination,
			expChanged: false,
			after: `
blk0: (v0:i64, v1:i64)
	ConstructorFence v0
	Store v0, v1, 0x8
	ConstructorFence v0
	Return
`,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder().(*builder)
			tc.setup(b)
			if tc.before != "" {
				require.Equal(t, tc.before, b.Format())
			}
			require.Equal(t, tc.expChanged, tc.pass(b))
			require.Equal(t, tc.after, b.Format())

			c := NewChecker(b)
			c.Run(true, 0)
			require.True(t, c.IsValid(), c.Errors())
		})
	}
}

func TestBuilder_RedundantPhiElimination(t *testing.T) {
	b := NewBuilder()
	entry, header, body, exit := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
	x := b.DeclareVariable(TypeI64)

	p := entry.AddParam(b, TypeI64)
	b.Seal(entry)
	b.DefineVariable(x, p, entry)
	b.SetCurrentBlock(entry)
	insert(b, b.AllocateInstruction().AsJump(nil, header))

	b.SetCurrentBlock(header)
	v := b.MustFindValue(x)
	insert(b, b.AllocateInstruction().AsBrz(p, nil, body))
	insert(b, b.AllocateInstruction().AsJump(nil, exit))
	b.Seal(body)
	b.Seal(exit)

	b.SetCurrentBlock(body)
	insert(b, b.AllocateInstruction().AsJump(nil, header))
	b.Seal(header)

	b.SetCurrentBlock(exit)
	insert(b, b.AllocateInstruction().AsReturn([]Value{v}))

	require.Equal(t, `
blk0: (v0:i64)
	Jump blk1, v0

blk1: (v1:i64) <-- (blk0,blk2)
	Brz v0, blk2
	Jump blk3

blk2: () <-- (blk1)
	Jump blk1, v1

blk3: () <-- (blk1)
	Return v1
`, b.Format())

	require.True(t, PassRedundantPhiElimination(b))
	require.Equal(t, `
blk0: (v0:i64)
	Jump blk1

blk1: () <-- (blk0,blk2)
	Brz v0, blk2
	Jump blk3

blk2: () <-- (blk1)
	Jump blk1

blk3: () <-- (blk1)
	Return v0
`, b.Format())
	require.False(t, PassRedundantPhiElimination(b))
}

func TestBuilder_InductionVariables(t *testing.T) {
	b := NewBuilder()
	entry, header, latch, exit := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
	p := entry.AddParam(b, TypeI64)
	phi := header.AddParam(b, TypeI64)
	b.SetCurrentBlock(entry)
	insert(b, b.AllocateInstruction().AsJump([]Value{p}, header))
	b.SetCurrentBlock(header)
	step := insert(b, b.AllocateInstruction().AsIconst64(4)).Return()
	next := insert(b, b.AllocateInstruction().AsIadd(phi, step)).Return()
	insert(b, b.AllocateInstruction().AsBrz(next, nil, latch))
	insert(b, b.AllocateInstruction().AsJump(nil, exit))
	b.SetCurrentBlock(latch)
	insert(b, b.AllocateInstruction().AsJump([]Value{next}, header))
	b.SetCurrentBlock(exit)
	insert(b, b.AllocateInstruction().AsReturn(nil))

	require.True(t, PassInductionVarAnalysis(b))
	require.Equal(t, []InductionVariable{{Header: header, Phi: phi, Init: p, Step: 4}}, b.InductionVariables())
	require.True(t, b.HasLoops())
	require.False(t, b.HasIrreducibleLoops())
	require.Equal(t, entry, b.Idom(header))
	require.True(t, b.IsDominatedBy(exit, header))

	require.True(t, PassSideEffectsAnalysis(b))
	require.Equal(t, SideEffectNone, b.SideEffectsOf(header))
}

func TestChecker(t *testing.T) {
	t.Run("no change assertion", func(t *testing.T) {
		b := NewBuilder()
		entry := b.AllocateBasicBlock()
		p := entry.AddParam(b, TypeI64)
		b.SetCurrentBlock(entry)
		insert(b, b.AllocateInstruction().AsReturn([]Value{p}))

		c := NewChecker(b)
		size := c.Run(false, 0)
		require.Equal(t, 2, size)
		require.True(t, c.IsValid())

		require.Equal(t, 2, c.Run(false, size))
		require.True(t, c.IsValid())

		c.Run(false, 3)
		require.False(t, c.IsValid())
		require.Contains(t, c.Errors()[0], "Incorrect no-change assertion")
	})
	t.Run("missing terminator", func(t *testing.T) {
		b := NewBuilder()
		entry := b.AllocateBasicBlock()
		b.SetCurrentBlock(entry)
		insert(b, b.AllocateInstruction().AsIconst64(1))

		c := NewChecker(b)
		c.Run(true, 0)
		require.False(t, c.IsValid())
		require.Contains(t, c.Errors()[0], "does not end with a terminator")
	})
	t.Run("use not dominated", func(t *testing.T) {
		b := NewBuilder()
		entry, left, right := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
		p := entry.AddParam(b, TypeI64)
		b.SetCurrentBlock(entry)
		insert(b, b.AllocateInstruction().AsBrz(p, nil, left))
		insert(b, b.AllocateInstruction().AsJump(nil, right))
		b.SetCurrentBlock(left)
		l := insert(b, b.AllocateInstruction().AsIconst64(1)).Return()
		insert(b, b.AllocateInstruction().AsReturn([]Value{l}))
		b.SetCurrentBlock(right)
		insert(b, b.AllocateInstruction().AsReturn([]Value{l}))

		c := NewChecker(b)
		c.Run(true, 0)
		require.False(t, c.IsValid())
		require.Contains(t, c.Errors()[0], "does not dominate its use")
	})
}

func TestPassInlineConstantCalls(t *testing.T) {
	b := NewBuilder()
	entry := b.AllocateBasicBlock()
	p := entry.AddParam(b, TypeI64)
	b.SetCurrentBlock(entry)
	r := insert(b, b.AllocateInstruction().AsCall(1, []Value{p}, TypeI64)).Return()
	insert(b, b.AllocateInstruction().AsCall(1, nil, TypeInvalid))
	other := insert(b, b.AllocateInstruction().AsCall(2, nil, TypeI64)).Return()
	sum := insert(b, b.AllocateInstruction().AsIadd(r, other)).Return()
	insert(b, b.AllocateInstruction().AsReturn([]Value{sum}))

	constants := func(idx uint32) (uint64, bool) { return 42, idx == 1 }
	require.True(t, PassInlineConstantCalls(b, constants))
	require.Equal(t, `
blk0: (v0:i64)
	v1:i64 = Iconst_64 0x2a
	v2:i64 = Call method@2
	v3:i64 = Iadd v1, v2
	Return v3
`, b.Format())
	require.False(t, PassInlineConstantCalls(b, constants))
}
