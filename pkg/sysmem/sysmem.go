// Package sysmem reports host memory, used by the engine coordinator's
// pre-load sanity check and surfaced on /health.
package sysmem

import (
	"fmt"

	"github.com/elastic/go-sysinfo"
)

// Info is a snapshot of host memory, in bytes.
type Info struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Query returns the current host memory snapshot.
func Query() (Info, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return Info{}, fmt.Errorf("query host info: %w", err)
	}
	mem, err := host.Memory()
	if err != nil {
		return Info{}, fmt.Errorf("query host memory: %w", err)
	}
	return Info{
		TotalBytes:     mem.Total,
		AvailableBytes: mem.Available,
	}, nil
}

// FitsInMemory reports whether requiredBytes is a sane fraction of the
// currently available host memory. It is a soft sanity check only — a false
// result never itself blocks a load, callers only log a warning. load_params
// carry memory-locking hints but this repo does not enforce a hard ceiling,
// since the actual allocator lives inside the backend plugin.
func FitsInMemory(info Info, requiredBytes uint64) bool {
	if requiredBytes == 0 {
		return true
	}
	return requiredBytes <= info.AvailableBytes
}
