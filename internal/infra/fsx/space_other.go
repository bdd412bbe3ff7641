//go:build !linux && !darwin && !freebsd

package fsx

func freeSpace(path string) (uint64, error) {
	return 0, ErrSpaceUnknown
}
