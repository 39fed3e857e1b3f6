//go:build !windows

package lockmgr

import (
	"os"
	"syscall"
)

// defaultIsProcessAlive probes liveness with a signal-0 send, the
// standard POSIX idiom: it delivers no signal but still fails with
// ESRCH if the process doesn't exist.
func defaultIsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
