package resource

import "errors"

// ErrProbeUnavailable is returned by probes that cannot observe memory.
var ErrProbeUnavailable = errors.New("resource: memory probe unavailable")

// MemoryInfo is one memory observation in bytes.
type MemoryInfo struct {
	Total     uint64
	Available uint64
}

// UsedPercent returns the share of total memory in use.
func (m MemoryInfo) UsedPercent() float64 {
	if m.Total == 0 {
		return 0
	}
	avail := min(m.Available, m.Total)
	return float64(m.Total-avail) / float64(m.Total) * 100
}

// MemoryProbe observes system memory.
type MemoryProbe interface {
	Sample() (MemoryInfo, error)
}

// StaticProbe always reports the same observation.
type StaticProbe MemoryInfo

func (p StaticProbe) Sample() (MemoryInfo, error) {
	if p.Total == 0 {
		return MemoryInfo{}, ErrProbeUnavailable
	}
	return MemoryInfo(p), nil
}

// ProbeFunc adapts a function to MemoryProbe.
type ProbeFunc func() (MemoryInfo, error)

func (f ProbeFunc) Sample() (MemoryInfo, error) { return f() }
