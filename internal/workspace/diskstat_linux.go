package workspace

import "syscall"

// freeBytes reports the free space available on the filesystem holding
// dir, via a raw statfs syscall.
func freeBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
