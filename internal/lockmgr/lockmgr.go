// Package lockmgr implements the project's exclusive PID lock and
// stale-owner detection described in spec.md §4.2.
package lockmgr

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	safeerrors "github.com/davidahmann/safechunk/core/errors"
	"github.com/davidahmann/safechunk/core/fsx"
)

// State is the outcome of a TryAcquire probe.
type State int

const (
	// Acquired means no lock file existed; the caller still must
	// write one via ReclaimAndAcquire or Acquire.
	Acquired State = iota
	// HeldByLive means another live process holds the lock.
	HeldByLive
	// Stale means the recorded PID does not correspond to a live
	// process and the lock may be reclaimed.
	Stale
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case HeldByLive:
		return "held_by_live"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// IsProcessAliveFunc matches spec.md §6's liveness predicate contract.
type IsProcessAliveFunc func(pid int) bool

// Manager owns the lifecycle of one project's .lock file.
type Manager struct {
	lockFile string
	isAlive  IsProcessAliveFunc
}

// New returns a Manager for lockFile. A nil isAlive uses the host's
// default liveness probe.
func New(lockFile string, isAlive IsProcessAliveFunc) *Manager {
	if isAlive == nil {
		isAlive = defaultIsProcessAlive
	}
	return &Manager{lockFile: lockFile, isAlive: isAlive}
}

// TryAcquire inspects the lock file without mutating it.
func (m *Manager) TryAcquire() (State, int, error) {
	content, err := os.ReadFile(m.lockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return Acquired, 0, nil
		}
		return 0, 0, safeerrors.Wrap(err, safeerrors.CategoryIOFault, "lock_read_failed", "check permissions on the project directory", true)
	}

	pid, parseErr := parsePID(content)
	if parseErr != nil {
		// An unreadable lock file is treated as stale: whatever
		// process wrote it is not one we can identify as live.
		return Stale, 0, nil
	}
	if m.isAlive(pid) {
		return HeldByLive, pid, nil
	}
	return Stale, pid, nil
}

// ReclaimAndAcquire removes a stale lock (if present) and writes the
// current process's PID atomically. It re-reads the PID after
// writing and fails if it does not match, mitigating the narrow
// TOCTOU race spec.md §4.2 calls out.
func (m *Manager) ReclaimAndAcquire() error {
	_ = os.Remove(m.lockFile)
	return m.writeAndVerify()
}

// Acquire writes the current PID to a lock file that does not yet
// exist. Use after TryAcquire returns Acquired.
func (m *Manager) Acquire() error {
	return m.writeAndVerify()
}

func (m *Manager) writeAndVerify() error {
	pid := os.Getpid()
	body := []byte(strconv.Itoa(pid))
	if err := fsx.WriteFileAtomic(m.lockFile, body, 0o600); err != nil {
		return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "lock_write_failed", "check permissions on the project directory", true)
	}

	content, err := os.ReadFile(m.lockFile)
	if err != nil {
		return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "lock_verify_failed", "check permissions on the project directory", true)
	}
	readBack, err := parsePID(content)
	if err != nil || readBack != pid {
		return safeerrors.Wrap(fmt.Errorf("lock file PID mismatch after write: got %q", strings.TrimSpace(string(content))), safeerrors.CategoryIOFault, "lock_race_detected", "retry; another process may have raced this acquire", true)
	}
	return nil
}

// Release deletes the lock file only if it still records the current
// process's PID, per spec.md §4.2's defensive check.
func (m *Manager) Release() error {
	content, err := os.ReadFile(m.lockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "lock_read_failed", "check permissions on the project directory", true)
	}
	pid, parseErr := parsePID(content)
	if parseErr != nil || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(m.lockFile); err != nil && !os.IsNotExist(err) {
		return safeerrors.Wrap(err, safeerrors.CategoryIOFault, "lock_release_failed", "check permissions on the project directory", true)
	}
	return nil
}

func parsePID(content []byte) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid lock file contents")
	}
	return pid, nil
}
