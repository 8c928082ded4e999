//go:build !linux

package resource

import "runtime"

// SystemProbe estimates availability as FallbackTotal minus the memory the
// Go runtime obtained from the OS. Without FallbackTotal it reports
// ErrProbeUnavailable and the controller keeps its base limits.
type SystemProbe struct {
	FallbackTotal uint64
}

func (p SystemProbe) Sample() (MemoryInfo, error) {
	if p.FallbackTotal == 0 {
		return MemoryInfo{}, ErrProbeUnavailable
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	avail := uint64(0)
	if ms.Sys < p.FallbackTotal {
		avail = p.FallbackTotal - ms.Sys
	}
	return MemoryInfo{Total: p.FallbackTotal, Available: avail}, nil
}
