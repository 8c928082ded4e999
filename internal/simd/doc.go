// Package simd provides the float32 kernels behind the distance package.
//
// Two implementations exist: a portable scalar loop and a wide kernel that
// keeps eight independent accumulators so the compiler can schedule them
// across vector registers. The choice is made once at init from a CPU
// capability probe and never changes for the life of the process.
//
// Set MEMTIER_SIMD=generic (or avx2, avx512, neon) to override the probe.
// Overrides naming an ISA the CPU lacks are ignored.
package simd
