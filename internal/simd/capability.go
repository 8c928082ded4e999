package simd

import (
	"os"
	"runtime"
	"strings"
)

// ISA represents a SIMD instruction set architecture.
type ISA uint8

const (
	// Generic represents the scalar implementation.
	Generic ISA = iota
	// NEON represents ARM64 Advanced SIMD.
	NEON
	// AVX2 represents x86-64 AVX2 with FMA.
	AVX2
	// AVX512 represents x86-64 AVX-512 (F+BW).
	AVX512
)

// EnvOverride names the environment variable consulted at init.
const EnvOverride = "MEMTIER_SIMD"

// String returns the string representation of an ISA.
func (i ISA) String() string {
	switch i {
	case Generic:
		return "generic"
	case NEON:
		return "neon"
	case AVX2:
		return "avx2"
	case AVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// Wide reports whether the ISA runs the wide kernels.
func (i ISA) Wide() bool {
	return i != Generic
}

// ParseISA parses a string into an ISA value.
func ParseISA(s string) (ISA, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generic", "scalar":
		return Generic, true
	case "neon":
		return NEON, true
	case "avx2":
		return AVX2, true
	case "avx512":
		return AVX512, true
	default:
		return Generic, false
	}
}

// Set once by the platform init; read-only afterwards.
var (
	activeISA   ISA
	hasOverride bool

	hasASIMD    bool
	hasAVX2     bool
	hasAVX512F  bool
	hasAVX512BW bool
)

// initCapabilities runs after the platform init has filled the feature flags.
func initCapabilities() {
	activeISA = resolveISA(os.Getenv(EnvOverride))
	installKernels(activeISA)
}

func resolveISA(override string) ISA {
	hasOverride = false
	if override != "" {
		if isa, ok := ParseISA(override); ok {
			hasOverride = true
			if isISAAvailable(isa) {
				return isa
			}
		}
	}
	return selectBestISA()
}

func isISAAvailable(isa ISA) bool {
	switch isa {
	case Generic:
		return true
	case NEON:
		return hasASIMD
	case AVX2:
		return hasAVX2
	case AVX512:
		return hasAVX512F && hasAVX512BW
	default:
		return false
	}
}

func selectBestISA() ISA {
	switch runtime.GOARCH {
	case "arm64":
		if hasASIMD {
			return NEON
		}
	case "amd64":
		if hasAVX512F && hasAVX512BW {
			return AVX512
		}
		if hasAVX2 {
			return AVX2
		}
	}
	return Generic
}

// installKernels swaps the function pointers used by the exported kernels.
func installKernels(isa ISA) {
	if isa.Wide() {
		dotImpl = dotWide
		squaredL2Impl = squaredL2Wide
		return
	}
	dotImpl = dotGeneric
	squaredL2Impl = squaredL2Generic
}

// ActiveISA returns the ISA selected at init.
func ActiveISA() ISA {
	return activeISA
}

// IsOverridden reports whether MEMTIER_SIMD named a known ISA.
func IsOverridden() bool {
	return hasOverride
}

// HasASIMD returns true if ARM64 NEON is available.
func HasASIMD() bool {
	return hasASIMD
}

// HasAVX2 returns true if x86-64 AVX2+FMA is available.
func HasAVX2() bool {
	return hasAVX2
}

// HasAVX512 returns true if x86-64 AVX-512 (F+BW) is available.
func HasAVX512() bool {
	return hasAVX512F && hasAVX512BW
}
