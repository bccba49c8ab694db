package linker

import (
	"sort"
	"sync"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// CompiledMethod is the immutable result of compiling one method ahead of time.
type CompiledMethod struct {
	ISA         optimizingapi.InstructionSet
	MethodIndex uint32
	Name        string
	Code        []byte
	// StackMap is the encoded stack map table of the code.
	StackMap []byte
	// CFI is the DWARF call frame information of the code.
	CFI       []byte
	FrameSize int
	// Patches are sorted by ascending literal offset.
	Patches []LinkerPatch
	// Intrinsic is true if the code comes from an intrinsic graph rather than the bytecode.
	Intrinsic bool
	// NativeStub is true for JNI stubs.
	NativeStub bool
}

// NewCompiledMethod returns a CompiledMethod owning copies of the given buffers. The patches are sorted.
func NewCompiledMethod(isa optimizingapi.InstructionSet, m *optimizingapi.Method, code, stackMap, cfi []byte,
	frameSize int, patches []LinkerPatch,
) *CompiledMethod {
	ps := append([]LinkerPatch(nil), patches...)
	SortPatches(ps)
	return &CompiledMethod{
		ISA:         isa,
		MethodIndex: m.Index,
		Name:        m.Name,
		Code:        append([]byte(nil), code...),
		StackMap:    append([]byte(nil), stackMap...),
		CFI:         append([]byte(nil), cfi...),
		FrameSize:   frameSize,
		Patches:     ps,
	}
}

// Thunk is shared code referenced by patches.
type Thunk struct {
	Key       ThunkKey
	Code      []byte
	DebugName string
}

// CompiledMethodStorage is owned by one compiler session and shared by the compilations
// running in it: it deduplicates thunks and collects the compiled methods.
type CompiledMethodStorage struct {
	mux     sync.Mutex
	thunks  map[ThunkKey]*Thunk
	methods map[uint32]*CompiledMethod
}

// NewCompiledMethodStorage returns an empty storage.
func NewCompiledMethodStorage() *CompiledMethodStorage {
	return &CompiledMethodStorage{
		thunks:  map[ThunkKey]*Thunk{},
		methods: map[uint32]*CompiledMethod{},
	}
}

// GetThunkCode returns the thunk registered for the content of p.
func (s *CompiledMethodStorage) GetThunkCode(p LinkerPatch) (code []byte, debugName string, ok bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, ok := s.thunks[p.Key()]
	if !ok {
		return nil, "", false
	}
	return t.Code, t.DebugName, true
}

// SetThunkCode registers the thunk for the content of p. The first registration wins
// so that concurrent compilations racing on the same thunk agree on its code.
func (s *CompiledMethodStorage) SetThunkCode(p LinkerPatch, code []byte, debugName string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.thunks[p.Key()]; ok {
		return
	}
	s.thunks[p.Key()] = &Thunk{Key: p.Key(), Code: append([]byte(nil), code...), DebugName: debugName}
}

// Thunks returns the registered thunks ordered by debug name, then by key.
func (s *CompiledMethodStorage) Thunks() []*Thunk {
	s.mux.Lock()
	defer s.mux.Unlock()
	ret := make([]*Thunk, 0, len(s.thunks))
	for _, t := range s.thunks {
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool {
		a, b := ret[i], ret[j]
		switch {
		case a.DebugName != b.DebugName:
			return a.DebugName < b.DebugName
		case a.Key.Type != b.Key.Type:
			return a.Key.Type < b.Key.Type
		}
		return a.Key.TargetIndex < b.Key.TargetIndex
	})
	return ret
}

// Add records cm, replacing any previous method with the same index.
func (s *CompiledMethodStorage) Add(cm *CompiledMethod) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.methods[cm.MethodIndex] = cm
}

// Methods returns the compiled methods ordered by method index.
func (s *CompiledMethodStorage) Methods() []*CompiledMethod {
	s.mux.Lock()
	defer s.mux.Unlock()
	ret := make([]*CompiledMethod, 0, len(s.methods))
	for _, cm := range s.methods {
		ret = append(ret, cm)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].MethodIndex < ret[j].MethodIndex })
	return ret
}
