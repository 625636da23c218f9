//go:build !windows

// Package platform holds the handful of things wakeproxy needs that
// are not portable: reaping whatever a dead backing service left
// behind in its process group, and (on macOS only) resolving the
// original destination of a redirected connection.
package platform

import (
	"errors"
	"syscall"
)

// ReapProcessGroup sends SIGKILL to every process still alive in pgid
// after the service's main process has already exited. A service that
// forks helpers and dies without reaping them would otherwise leave
// orphans running forever. ESRCH (nothing left to kill) is not an
// error.
func ReapProcessGroup(pgid int) error {
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
