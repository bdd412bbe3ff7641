//go:build linux || darwin || freebsd

package fsx

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Clean(path), &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
