//go:build unix

// Package liveness probes whether an OS process still exists.
package liveness

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Process probes the local process table by sending signal 0.
type Process struct{}

// Alive reports whether pid exists. Only ESRCH ("no such process") counts as
// dead; any other failure, such as EPERM for a process owned by another user,
// counts as alive. Non-positive pids never name a single process and are
// reported dead.
func (Process) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}
