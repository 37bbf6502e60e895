//go:build !linux && !darwin

package buffer

import "errors"

// DiskUsage is the size and free space of a filesystem, in bytes.
type DiskUsage struct {
	Total uint64
	Avail uint64
}

// StatDisk is not supported on this platform; eviction falls back to the
// row bound alone.
func StatDisk(string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("buffer: disk usage not supported on this platform")
}
