//go:build linux

package resource

import "golang.org/x/sys/unix"

// SystemProbe reads memory from sysinfo(2). FallbackTotal is unused on Linux.
type SystemProbe struct {
	FallbackTotal uint64
}

func (SystemProbe) Sample() (MemoryInfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return MemoryInfo{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return MemoryInfo{
		Total:     uint64(si.Totalram) * unit,
		Available: (uint64(si.Freeram) + uint64(si.Bufferram)) * unit,
	}, nil
}
