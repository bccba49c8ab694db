// Package backend must be free of bytecode specific concepts. In other words,
// this package must not import the frontend package.
//
// It turns the ssa.Builder of a method into machine code through a Machine: prepare for register
// allocation, liveness, register allocation, then code generation with stack maps, CFI and the
// link patches left for the linker or the JIT.
package backend
