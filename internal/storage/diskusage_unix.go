//go:build !windows

package storage

import "golang.org/x/sys/unix"

// freeBytes returns the number of free bytes available to an unprivileged
// user on the filesystem containing path.
func freeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
