package frontend

import (
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

type (
	// methodInfo is the result of verifying the bytecode of a method.
	methodInfo struct {
		instrs []Instruction
		// pcToInstr maps a pc to its index in instrs, -1 in the middle of an instruction.
		pcToInstr []int
		blocks    []bytecodeBlock
		// pcToBlock maps the pc of a block leader to its index in blocks.
		pcToBlock      map[int]int
		usesStringInit bool
		hasThrow       bool
		firstIsTarget  bool
	}

	// bytecodeBlock is a maximal straight-line run of instructions [start, end) of methodInfo.instrs.
	bytecodeBlock struct {
		start, end int
		// succs holds distinct successor block indexes, the branch target first.
		succs     []int
		reachable bool
		// preds counts the reachable incoming edges.
		preds int
	}

	registerSet []uint64
)

func newRegisterSet(n int, full bool) registerSet {
	s := make(registerSet, (n+63)/64)
	if full {
		for i := range s {
			s[i] = ^uint64(0)
		}
	}
	return s
}

func (s registerSet) has(r uint32) bool { return s[r/64]&(1<<(r%64)) != 0 }
func (s registerSet) add(r uint32)      { s[r/64] |= 1 << (r % 64) }

// intersect sets s to s&o and returns true if s changed.
func (s registerSet) intersect(o registerSet) (changed bool) {
	for i := range s {
		n := s[i] & o[i]
		if n != s[i] {
			s[i] = n
			changed = true
		}
	}
	return
}

// verify decodes the code of m and checks that it is well-formed: every instruction
// is known and complete, registers are in range, branch targets are instruction
// boundaries, control never falls off the end, move-result follows an invoke, and
// every register is written on all paths before it is read.
func verify(m *optimizingapi.Method) (*methodInfo, error) {
	code := m.Code
	if len(code) == 0 {
		return nil, errors.New("empty code item")
	}
	if m.InsSize > m.RegistersSize {
		return nil, errors.Errorf("ins size %d exceeds registers size %d", m.InsSize, m.RegistersSize)
	}
	info := &methodInfo{pcToInstr: make([]int, len(code)), pcToBlock: map[int]int{}}
	for i := range info.pcToInstr {
		info.pcToInstr[i] = -1
	}
	regs := uint32(m.RegistersSize)
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return nil, err
		}
		info.pcToInstr[pc] = len(info.instrs)
		info.instrs = append(info.instrs, in)
		pc += in.Size
	}

	leaders := map[int]struct{}{0: {}}
	for idx := range info.instrs {
		in := &info.instrs[idx]
		var err error
		in.uses(func(r uint32) {
			if r >= regs && err == nil {
				err = errors.Errorf("%s at pc %d reads v%d but the method has %d registers", in.Opcode, in.PC, r, regs)
			}
		})
		if err != nil {
			return nil, err
		}
		if r, ok := in.def(); ok && r >= regs {
			return nil, errors.Errorf("%s at pc %d writes v%d but the method has %d registers", in.Opcode, in.PC, r, regs)
		}
		next := in.PC + in.Size
		if in.Opcode.continues() && next >= len(code) {
			return nil, errors.Errorf("control falls off the end of the code after pc %d", in.PC)
		}
		if in.Opcode == OpcodeMoveResult {
			if idx == 0 {
				return nil, errors.New("move-result at pc 0")
			}
			if prev := info.instrs[idx-1].Opcode; prev != OpcodeInvoke {
				return nil, errors.Errorf("move-result at pc %d follows %s", in.PC, prev)
			}
		}
		if in.Opcode == OpcodeInvokeStringInit {
			info.usesStringInit = true
			if in.A == 0 {
				return nil, errors.Errorf("invoke-string-init at pc %d has no receiver", in.PC)
			}
		}
		if in.Opcode == OpcodeThrow {
			info.hasThrow = true
		}
		if in.Opcode.branches() {
			target := in.Target()
			if target < 0 || target >= len(code) {
				return nil, errors.Errorf("%s at pc %d branches out of the code to %d", in.Opcode, in.PC, target)
			}
			leaders[target] = struct{}{}
			if target == 0 {
				info.firstIsTarget = true
			}
		}
		if (in.Opcode.branches() || !in.Opcode.continues()) && next < len(code) {
			leaders[next] = struct{}{}
		}
	}
	for pc := range leaders {
		if info.pcToInstr[pc] < 0 {
			return nil, errors.Errorf("branch target %d is not an instruction boundary", pc)
		}
	}
	// A move-result must stay in the block of its invoke.
	for idx := range info.instrs {
		if in := &info.instrs[idx]; in.Opcode == OpcodeMoveResult {
			if _, ok := leaders[in.PC]; ok {
				return nil, errors.Errorf("move-result at pc %d is a branch target", in.PC)
			}
		}
	}

	info.buildBlocks(leaders)
	if err := info.checkDefinedRegisters(m); err != nil {
		return nil, err
	}
	return info, nil
}

func (info *methodInfo) buildBlocks(leaders map[int]struct{}) {
	for idx := range info.instrs {
		in := &info.instrs[idx]
		if _, ok := leaders[in.PC]; ok {
			if n := len(info.blocks); n > 0 {
				info.blocks[n-1].end = idx
			}
			info.pcToBlock[in.PC] = len(info.blocks)
			info.blocks = append(info.blocks, bytecodeBlock{start: idx})
		}
	}
	info.blocks[len(info.blocks)-1].end = len(info.instrs)

	for i := range info.blocks {
		blk := &info.blocks[i]
		last := &info.instrs[blk.end-1]
		if last.Opcode.branches() {
			blk.succs = append(blk.succs, info.pcToBlock[last.Target()])
		}
		if last.Opcode.continues() {
			if fall := i + 1; len(blk.succs) == 0 || blk.succs[0] != fall {
				blk.succs = append(blk.succs, fall)
			}
		}
	}

	stack := []int{0}
	info.blocks[0].reachable = true
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range info.blocks[i].succs {
			info.blocks[s].preds++
			if !info.blocks[s].reachable {
				info.blocks[s].reachable = true
				stack = append(stack, s)
			}
		}
	}
}

// checkDefinedRegisters runs a forward must-be-defined analysis over the reachable blocks.
func (info *methodInfo) checkDefinedRegisters(m *optimizingapi.Method) error {
	n := int(m.RegistersSize)
	if n == 0 {
		n = 1
	}
	in := make([]registerSet, len(info.blocks))
	for i := range in {
		in[i] = newRegisterSet(n, i != 0)
	}
	for r := m.RegistersSize - m.InsSize; r < m.RegistersSize; r++ {
		in[0].add(uint32(r))
	}

	out := newRegisterSet(n, false)
	for changed := true; changed; {
		changed = false
		for i := range info.blocks {
			blk := &info.blocks[i]
			if !blk.reachable {
				continue
			}
			copy(out, in[i])
			for idx := blk.start; idx < blk.end; idx++ {
				if r, ok := info.instrs[idx].def(); ok {
					out.add(r)
				}
			}
			for _, s := range blk.succs {
				if in[s].intersect(out) {
					changed = true
				}
			}
		}
	}

	for i := range info.blocks {
		blk := &info.blocks[i]
		if !blk.reachable {
			continue
		}
		defined := in[i]
		for idx := blk.start; idx < blk.end; idx++ {
			ins := &info.instrs[idx]
			var err error
			ins.uses(func(r uint32) {
				if !defined.has(r) && err == nil {
					err = errors.Errorf("%s at pc %d reads v%d before it is written", ins.Opcode, ins.PC, r)
				}
			})
			if err != nil {
				return err
			}
			if r, ok := ins.def(); ok {
				defined.add(r)
			}
		}
	}
	return nil
}

// throwInLoop returns true if some reachable block ending with a throw is entered from a block
// lying on a cycle, i.e. the throw is conditionally executed inside a loop body.
func (info *methodInfo) throwInLoop() bool {
	if !info.hasThrow {
		return false
	}
	for j := range info.blocks {
		pred := &info.blocks[j]
		if !pred.reachable {
			continue
		}
		for _, s := range pred.succs {
			blk := &info.blocks[s]
			if info.instrs[blk.end-1].Opcode == OpcodeThrow && info.reaches(j, j) {
				return true
			}
		}
	}
	return false
}

// reaches returns true if `to` can be reached from a successor of `from`.
func (info *methodInfo) reaches(from, to int) bool {
	seen := make([]bool, len(info.blocks))
	stack := append([]int(nil), info.blocks[from].succs...)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if i == to {
			return true
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		stack = append(stack, info.blocks[i].succs...)
	}
	return false
}
