package testcases

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/frontend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

var (
	Empty = TestCase{Name: "empty", Method: method(0, 0, "return-void")}
	// ReturnConstant is the callee inlined by InvokeConstant.
	ReturnConstant = TestCase{Name: "return_constant", Method: method(1, 0, `
		const v0, 42
		return v0`)}
	AddSubParamsReturn = TestCase{Name: "add_sub_params_return", Method: method(3, 2, `
		add v0, v1, v2
		sub v0, v0, v1
		return v0`)}
	ConstantFolding = TestCase{Name: "constant_folding", Method: method(2, 0, `
		const v0, 6
		const v1, 7
		mul v0, v0, v1
		return v0`)}
	Diamond = TestCase{Name: "diamond", Method: method(2, 1, `
		if-eqz v1, :zero
		const v0, 1
		goto :done
	:zero
		const v0, 2
	:done
		return v0`)}
	Loop = TestCase{Name: "loop", Method: method(3, 1, `
		const v0, 0
		const v1, 3
	:loop
		add v0, v0, v1
		sub v2, v2, v1
		if-nez v2, :loop
		return v0`)}
	// Fields loads the same field twice and stores it back.
	Fields = TestCase{Name: "fields", Method: method(3, 1, `
		iget v0, v2, 8
		iget v1, v2, 8
		add v0, v0, v1
		iput v0, v2, 16
		constructor-fence v2
		return v0`)}
	InvokeConstant = TestCase{Name: "invoke_constant", Method: method(2, 1, `
		invoke {}, method@7
		move-result v0
		add v0, v0, v1
		return v0`)}
	Calls = TestCase{Name: "calls", Method: method(4, 2, `
		invoke {v2, v3}, method@3
		move-result v0
		const-string v1, string@11
		invoke {v0, v1}, method@4
		move-result v0
		return v0`)}
	ArrayGet = TestCase{Name: "array_get", Method: method(3, 2, `
		aget v0, v1, v2
		return v0`)}
	Throw = TestCase{Name: "throw", Method: method(1, 1, `
		throw v0`)}
	InvalidBytecode = TestCase{Name: "invalid_bytecode", Method: &optimizingapi.Method{
		Name: "invalid_bytecode", RegistersSize: 1, Code: []uint16{0x00ff},
	}}
	// OptTest is compiled with the "$opt$" naming convention of compiler tests.
	OptTest = TestCase{Name: "Main.$opt$add", Method: method(3, 2, `
		add v0, v1, v2
		return v0`)}
	Native = TestCase{Name: "native", Method: &optimizingapi.Method{
		Name: "native", AccessFlags: optimizingapi.AccNative | optimizingapi.AccStatic, InsSize: 2,
	}}
	CriticalNative = TestCase{Name: "critical_native", Method: &optimizingapi.Method{
		Name: "critical_native", AccessFlags: optimizingapi.AccNative | optimizingapi.AccStatic | optimizingapi.AccCriticalNative,
	}}
	LongSum = TestCase{Name: "Long.sum", Method: intrinsic(optimizingapi.IntrinsicLongSum, 4, 4, `
		add v0, v0, v2
		return v0`)}
	StringLength = TestCase{Name: "String.length", Method: intrinsic(optimizingapi.IntrinsicStringLength, 1, 1, `
		iget v0, v0, 8
		return v0`)}
	SystemArrayCopy = TestCase{Name: "System.arraycopy", Method: intrinsic(optimizingapi.IntrinsicSystemArrayCopy, 5, 5, `
		invoke {v0, v1, v2, v3, v4}, method@1
		return-void`)}
)

// All holds the test cases compiled from bytecode.
var All = []TestCase{
	Empty, ReturnConstant, AddSubParamsReturn, ConstantFolding, Diamond, Loop, Fields,
	InvokeConstant, Calls, ArrayGet, Throw,
}

type TestCase struct {
	Name   string
	Method *optimizingapi.Method
}

// Resolve returns the method with the given index among the test cases: the index of
// ReturnConstant is 7 so that InvokeConstant can inline it.
func Resolve(methodIndex uint32) *optimizingapi.Method {
	if methodIndex == 7 {
		return ReturnConstant.Method
	}
	return nil
}

func method(regs, ins uint16, src string) *optimizingapi.Method {
	return &optimizingapi.Method{
		RegistersSize: regs,
		InsSize:       ins,
		Code:          frontend.MustAssemble(src),
	}
}

func intrinsic(i optimizingapi.Intrinsic, regs, ins uint16, src string) *optimizingapi.Method {
	m := method(regs, ins, src)
	m.Intrinsic = i
	m.AccessFlags = optimizingapi.AccStatic | optimizingapi.AccFinal
	return m
}

func init() {
	for _, tc := range []*TestCase{
		&Empty, &ReturnConstant, &AddSubParamsReturn, &ConstantFolding, &Diamond, &Loop, &Fields,
		&InvokeConstant, &Calls, &ArrayGet, &Throw, &OptTest, &LongSum, &StringLength, &SystemArrayCopy,
	} {
		tc.Method.Name = tc.Name
	}
	ReturnConstant.Method.Index = 7
}
