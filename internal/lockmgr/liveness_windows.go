//go:build windows

package lockmgr

import "golang.org/x/sys/windows"

// defaultIsProcessAlive probes liveness on Windows, where Signal(0)
// is not supported: it opens the process with the minimal query
// right and treats it as "alive" only if the open succeeds and its
// exit code is still STILL_ACTIVE.
func defaultIsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == windows.STILL_ACTIVE
}
