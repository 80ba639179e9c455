//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package supervisor

import (
	"golang.org/x/sys/unix"
)

// WaitPoller queries children with wait4(pid, WNOHANG)
type WaitPoller struct{}

// NewPoller returns the platform poller
func NewPoller() Poller {
	return WaitPoller{}
}

// TryWait reaps pid if it has terminated, without blocking
func (WaitPoller) TryWait(pid int) (Disposition, bool, error) {
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return Disposition{}, false, err
		case wpid == 0:
			return Disposition{}, false, nil
		}

		disposition, ok := dispositionFromWaitStatus(status)
		return disposition, ok, nil
	}
}

// dispositionFromWaitStatus decodes a wait status. ok is false for states
// that are not terminal (stopped or continued).
func dispositionFromWaitStatus(status unix.WaitStatus) (Disposition, bool) {
	switch {
	case status.Exited():
		return Exited(status.ExitStatus()), true
	case status.Signaled():
		return Signaled(int(status.Signal())), true
	default:
		return Disposition{}, false
	}
}
