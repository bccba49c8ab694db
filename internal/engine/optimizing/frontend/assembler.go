package frontend

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var opcodeByName = func() map[string]Opcode {
	ret := make(map[string]Opcode)
	for op := range opcodeInfos {
		if info := opcodeInfos[op]; info.format != formatInvalid {
			ret[info.name] = Opcode(op)
		}
	}
	return ret
}()

type asmLine struct {
	lineNo   int
	op       Opcode
	operands []string
	pc       int
}

// Assemble translates the text form of a method body into code units.
//
// One instruction per line, operands separated by commas:
//
//	const v0, 42
//	if-eqz v0, :done
//	invoke {v1, v2}, method@3
//	move-result v0
//	:done
//	return v0
//
// Labels start with ':' and stand alone on their line; '#' and "//" start comments.
func Assemble(src string) ([]uint16, error) {
	var lines []asmLine
	labels := map[string]int{}
	pc := 0
	for i, raw := range strings.Split(src, "\n") {
		text := raw
		if j := strings.Index(text, "//"); j >= 0 {
			text = text[:j]
		}
		if j := strings.IndexByte(text, '#'); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ":") {
			if _, ok := labels[text]; ok {
				return nil, errors.Errorf("line %d: duplicate label %s", i+1, text)
			}
			labels[text] = pc
			continue
		}
		mnemonic, rest := text, ""
		if j := strings.IndexAny(text, " \t"); j >= 0 {
			mnemonic, rest = text[:j], text[j+1:]
		}
		op, ok := opcodeByName[mnemonic]
		if !ok {
			return nil, errors.Errorf("line %d: unknown instruction %q", i+1, mnemonic)
		}
		operands, err := splitOperands(strings.TrimSpace(rest))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		lines = append(lines, asmLine{lineNo: i + 1, op: op, operands: operands, pc: pc})
		pc += formatSizes[opcodeInfos[op].format]
	}

	code := make([]uint16, 0, pc)
	for i := range lines {
		l := &lines[i]
		in, err := l.instruction(labels)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: %s", l.lineNo, l.op)
		}
		code = encode(code, &in)
	}
	return code, nil
}

// MustAssemble is like Assemble but panics on error.
func MustAssemble(src string) []uint16 {
	code, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return code
}

func splitOperands(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ret []string
	if strings.HasPrefix(s, "{") {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return nil, errors.New("unterminated register list")
		}
		ret = append(ret, s[:end+1])
		s = strings.TrimSpace(s[end+1:])
		if s == "" {
			return ret, nil
		}
		if !strings.HasPrefix(s, ",") {
			return nil, errors.Errorf("expected ',' after register list, got %q", s)
		}
		s = s[1:]
	}
	for _, part := range strings.Split(s, ",") {
		ret = append(ret, strings.TrimSpace(part))
	}
	return ret, nil
}

func (l *asmLine) instruction(labels map[string]int) (in Instruction, err error) {
	in = Instruction{PC: l.pc, Opcode: l.op}
	f := opcodeInfos[l.op].format
	want := map[format]int{fmt10x: 0, fmt11x: 1, fmt20t: 1, fmt21t: 2, fmt22x: 2, fmt23x: 3, fmt31i: 2, fmt32c: 3, fmt3rc: 2}[f]
	if len(l.operands) != want {
		return in, errors.Errorf("expected %d operands, got %d", want, len(l.operands))
	}
	ops := l.operands
	switch f {
	case fmt10x:
	case fmt11x:
		in.A, err = parseRegister(ops[0], 0xff)
	case fmt20t:
		in.Literal, err = l.branchOffset(ops[0], labels)
	case fmt21t:
		if in.A, err = parseRegister(ops[0], 0xff); err == nil {
			in.Literal, err = l.branchOffset(ops[1], labels)
		}
	case fmt22x:
		if in.A, err = parseRegister(ops[0], 0xff); err != nil {
			return
		}
		if l.op == OpcodeConstString {
			in.B, err = parseIndex(ops[1], "string@")
		} else {
			in.B, err = parseRegister(ops[1], 0xffff)
		}
	case fmt23x:
		if in.A, err = parseRegister(ops[0], 0xff); err != nil {
			return
		}
		if in.B, err = parseRegister(ops[1], 0xff); err != nil {
			return
		}
		in.C, err = parseRegister(ops[2], 0xff)
	case fmt31i:
		if in.A, err = parseRegister(ops[0], 0xff); err != nil {
			return
		}
		var v int64
		if v, err = strconv.ParseInt(ops[1], 0, 32); err != nil {
			return in, errors.Errorf("invalid 32-bit literal %q", ops[1])
		}
		in.Literal = v
	case fmt32c:
		if in.A, err = parseRegister(ops[0], 0xff); err != nil {
			return
		}
		if in.B, err = parseRegister(ops[1], 0xffff); err != nil {
			return
		}
		var v uint64
		if v, err = strconv.ParseUint(ops[2], 0, 16); err != nil {
			return in, errors.Errorf("invalid field offset %q", ops[2])
		}
		in.C = uint32(v)
	case fmt3rc:
		var regs []uint32
		if regs, err = parseRegisterList(ops[0]); err != nil {
			return
		}
		if len(regs) > 0xff {
			return in, errors.Errorf("too many arguments: %d", len(regs))
		}
		in.A = uint32(len(regs))
		if len(regs) > 0 {
			in.C = regs[0]
		}
		in.B, err = parseIndex(ops[1], "method@")
	}
	return
}

func (l *asmLine) branchOffset(s string, labels map[string]int) (int64, error) {
	target, ok := labels[s]
	if !ok {
		return 0, errors.Errorf("undefined label %s", s)
	}
	off := int64(target - l.pc)
	if off < -0x8000 || off > 0x7fff {
		return 0, errors.Errorf("branch to %s is too far", s)
	}
	return off, nil
}

func parseRegister(s string, max uint64) (uint32, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, errors.Errorf("expected a register, got %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 10, 32)
	if err != nil || v > max {
		return 0, errors.Errorf("invalid register %q", s)
	}
	return uint32(v), nil
}

// parseRegisterList parses "{vN, vN+1, ...}"; the registers must be consecutive.
func parseRegisterList(s string) ([]uint32, error) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, errors.Errorf("expected a register list, got %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, nil
	}
	var regs []uint32
	for _, part := range strings.Split(inner, ",") {
		r, err := parseRegister(strings.TrimSpace(part), 0xffff)
		if err != nil {
			return nil, err
		}
		if n := len(regs); n > 0 && r != regs[n-1]+1 {
			return nil, errors.Errorf("registers of %s are not consecutive", s)
		}
		regs = append(regs, r)
	}
	return regs, nil
}

func parseIndex(s, prefix string) (uint32, error) {
	if !strings.HasPrefix(s, prefix) {
		return 0, errors.Errorf("expected %sN, got %q", prefix, s)
	}
	v, err := strconv.ParseUint(s[len(prefix):], 10, 16)
	if err != nil {
		return 0, errors.Errorf("invalid index %q", s)
	}
	return uint32(v), nil
}
