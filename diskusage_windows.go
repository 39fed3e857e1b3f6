//go:build windows

package safechunk

import "golang.org/x/sys/windows"

// diskUsagePercent reports the percentage of the volume backing dir
// that is currently occupied, via GetDiskFreeSpaceEx.
func diskUsagePercent(dir string) (float64, error) {
	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	if totalBytes == 0 {
		return 0, nil
	}
	used := float64(totalBytes-totalFreeBytes) / float64(totalBytes) * 100
	return used, nil
}
