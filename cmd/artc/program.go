package main

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aosp-leddaz/art/internal/engine/optimizing"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/frontend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// programFile is the YAML form of a program: methods in the bytecode assembly syntax, and the
// references of the strings they load.
//
//	strings:
//	  11: 0x7000
//	methods:
//	  - index: 3
//	    name: Main.add
//	    flags: [static]
//	    registers: 3
//	    ins: 2
//	    code: |
//	      add v0, v1, v2
//	      return v0
type programFile struct {
	Strings map[uint32]uint64 `yaml:"strings"`
	Methods []methodEntry     `yaml:"methods"`
}

type methodEntry struct {
	Index         uint32   `yaml:"index"`
	Name          string   `yaml:"name"`
	Flags         []string `yaml:"flags"`
	Intrinsic     string   `yaml:"intrinsic"`
	Registers     uint16   `yaml:"registers"`
	Ins           uint16   `yaml:"ins"`
	CatchHandlers bool     `yaml:"catch-handlers"`
	Code          string   `yaml:"code"`
}

var accessFlags = map[string]optimizingapi.AccessFlags{
	"public":          optimizingapi.AccPublic,
	"private":         optimizingapi.AccPrivate,
	"static":          optimizingapi.AccStatic,
	"final":           optimizingapi.AccFinal,
	"native":          optimizingapi.AccNative,
	"fast-native":     optimizingapi.AccFastNative | optimizingapi.AccNative,
	"critical-native": optimizingapi.AccCriticalNative | optimizingapi.AccNative,
	"dont-bother":     optimizingapi.AccCompileDontBother,
}

// program is a loaded program file.
type program struct {
	methods []*optimizingapi.Method
	strings map[uint32]uint64
}

func loadProgram(path string) (*program, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading program")
	}
	p, err := parseProgram(b)
	return p, errors.Wrapf(err, "%s", path)
}

// parseProgram decodes a program file. The errors of all the methods are reported together.
func parseProgram(b []byte) (*program, error) {
	var f programFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "decoding program")
	}
	if len(f.Methods) == 0 {
		return nil, errors.New("no method in program")
	}

	p := &program{strings: f.Strings}
	var result error
	seen := make(map[uint32]string, len(f.Methods))
	for i := range f.Methods {
		e := &f.Methods[i]
		m, err := e.method()
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "method %s", e.displayName()))
			continue
		}
		if prev, ok := seen[m.Index]; ok {
			result = multierror.Append(result, errors.Errorf("method %s: index %d already used by %s", m, m.Index, prev))
			continue
		}
		seen[m.Index] = m.String()
		p.methods = append(p.methods, m)
	}
	if result != nil {
		return nil, result
	}
	return p, nil
}

func (e *methodEntry) displayName() string {
	if e.Name != "" {
		return e.Name
	}
	return (&optimizingapi.Method{Index: e.Index}).String()
}

func (e *methodEntry) method() (*optimizingapi.Method, error) {
	m := &optimizingapi.Method{
		Index:            e.Index,
		Name:             e.Name,
		RegistersSize:    e.Registers,
		InsSize:          e.Ins,
		HasCatchHandlers: e.CatchHandlers,
	}
	for _, name := range e.Flags {
		flag, ok := accessFlags[name]
		if !ok {
			return nil, errors.Errorf("unknown flag %q", name)
		}
		m.AccessFlags |= flag
	}
	if e.Intrinsic != "" {
		i, err := optimizingapi.ParseIntrinsic(e.Intrinsic)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		m.Intrinsic = i
	}
	if m.IsNative() {
		if e.Code != "" {
			return nil, errors.New("native methods have no code")
		}
		return m, nil
	}
	if e.Ins > e.Registers {
		return nil, errors.Errorf("%d ins for %d registers", e.Ins, e.Registers)
	}
	code, err := frontend.Assemble(e.Code)
	if err != nil {
		return nil, err
	}
	m.Code = code
	return m, nil
}

// runtime returns the runtime resolving the methods and strings of p.
func (p *program) runtime(debuggable bool) *optimizing.StaticRuntime {
	rt := optimizing.NewStaticRuntime(p.methods, debuggable)
	for idx, ref := range p.strings {
		rt.SetString(idx, ref)
	}
	return rt
}
