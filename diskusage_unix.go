//go:build !windows

package safechunk

import "syscall"

// diskUsagePercent reports the percentage of the filesystem backing
// dir that is currently occupied, via statfs.
func diskUsagePercent(dir string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := float64(stat.Bfree) * float64(stat.Bsize)
	return (total - free) / total * 100, nil
}
