package optimizing

import (
	"sync"
	"sync/atomic"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// Runtime is what the compiler needs from the host runtime.
//
// Compilations run in a native safepoint: the garbage collector does not wait for them. The
// resolution methods are only called outside of it, in short critical sections.
type Runtime interface {
	// ResolveMethod returns the method with the given index, or nil if it cannot be resolved.
	ResolveMethod(methodIndex uint32) *optimizingapi.Method
	// ResolveString returns the reference of the string with the given index, stored in the
	// JIT roots of the methods loading it.
	ResolveString(stringIndex uint32) uint64
	// IsJavaDebuggable returns true if the runtime instruments method entries and exits.
	IsJavaDebuggable() bool
	// EnterNativeSafepoint marks the calling compiler thread as not needing to cooperate
	// with the garbage collector.
	EnterNativeSafepoint()
	// LeaveNativeSafepoint ends the section started by EnterNativeSafepoint.
	LeaveNativeSafepoint()
}

// StaticRuntime is a Runtime over fixed tables, used by the command line driver and tests.
type StaticRuntime struct {
	mux        sync.RWMutex
	methods    map[uint32]*optimizingapi.Method
	strings    map[uint32]uint64
	debuggable bool

	nativeDepth atomic.Int32
	// resolvedInNative counts the resolutions made in a native safepoint.
	resolvedInNative atomic.Int32
}

// NewStaticRuntime returns a StaticRuntime resolving the given methods by index.
func NewStaticRuntime(methods []*optimizingapi.Method, debuggable bool) *StaticRuntime {
	r := &StaticRuntime{
		methods:    make(map[uint32]*optimizingapi.Method, len(methods)),
		strings:    map[uint32]uint64{},
		debuggable: debuggable,
	}
	for _, m := range methods {
		r.methods[m.Index] = m
	}
	return r
}

// SetString sets the reference of the string with the given index.
func (r *StaticRuntime) SetString(stringIndex uint32, ref uint64) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.strings[stringIndex] = ref
}

// ResolveMethod implements Runtime.ResolveMethod.
func (r *StaticRuntime) ResolveMethod(methodIndex uint32) *optimizingapi.Method {
	r.checkRunnable()
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.methods[methodIndex]
}

// ResolveString implements Runtime.ResolveString. Unknown strings resolve to null.
func (r *StaticRuntime) ResolveString(stringIndex uint32) uint64 {
	r.checkRunnable()
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.strings[stringIndex]
}

// IsJavaDebuggable implements Runtime.IsJavaDebuggable.
func (r *StaticRuntime) IsJavaDebuggable() bool {
	return r.debuggable
}

// EnterNativeSafepoint implements Runtime.EnterNativeSafepoint.
func (r *StaticRuntime) EnterNativeSafepoint() {
	r.nativeDepth.Add(1)
}

// LeaveNativeSafepoint implements Runtime.LeaveNativeSafepoint.
func (r *StaticRuntime) LeaveNativeSafepoint() {
	r.nativeDepth.Add(-1)
}

// NativeDepth returns the number of threads in a native safepoint, which is only
// meaningful when a single thread compiles.
func (r *StaticRuntime) NativeDepth() int {
	return int(r.nativeDepth.Load())
}

// ResolvedInNative returns how many resolutions happened while a thread was in a native
// safepoint. With a single compiler thread it must stay zero.
func (r *StaticRuntime) ResolvedInNative() int {
	return int(r.resolvedInNative.Load())
}

func (r *StaticRuntime) checkRunnable() {
	if r.nativeDepth.Load() > 0 {
		r.resolvedInNative.Add(1)
	}
}
