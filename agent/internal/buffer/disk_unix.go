//go:build linux || darwin

package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage is the size and free space of a filesystem, in bytes.
type DiskUsage struct {
	Total uint64
	Avail uint64
}

// StatDisk reports the filesystem holding dir. Avail counts only blocks
// available to unprivileged users, the space the agent can actually use.
func StatDisk(dir string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", dir, err)
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		Total: uint64(st.Blocks) * bsize,
		Avail: uint64(st.Bavail) * bsize,
	}, nil
}
