package supervisor

import "fmt"

// SignalExitCode is the exit code reported for a child killed by a signal.
const SignalExitCode = 1

// DispositionKind tells how a child terminated
type DispositionKind int

const (
	// KindExited means the child called exit
	KindExited DispositionKind = iota
	// KindSignaled means the child was killed by a signal
	KindSignaled
)

// String returns the lowercase kind name used in logs and wire messages
func (k DispositionKind) String() string {
	switch k {
	case KindExited:
		return "exited"
	case KindSignaled:
		return "signaled"
	default:
		return "unknown"
	}
}

// Disposition describes how a reaped child terminated: either a normal exit
// with Code, or termination by Signal.
type Disposition struct {
	Kind   DispositionKind
	Code   int
	Signal int
}

// Exited returns the disposition of a child that exited with code
func Exited(code int) Disposition {
	return Disposition{Kind: KindExited, Code: code}
}

// Signaled returns the disposition of a child killed by signum
func Signaled(signum int) Disposition {
	return Disposition{Kind: KindSignaled, Signal: signum}
}

// IsSignaled reports whether the child was killed by a signal
func (d Disposition) IsSignaled() bool {
	return d.Kind == KindSignaled
}

// ExitCode returns the code to report: the child's own exit code, or
// SignalExitCode when it was signaled.
func (d Disposition) ExitCode() int {
	if d.IsSignaled() {
		return SignalExitCode
	}
	return d.Code
}

func (d Disposition) String() string {
	if d.IsSignaled() {
		return fmt.Sprintf("signaled(%d)", d.Signal)
	}
	return fmt.Sprintf("exited(%d)", d.Code)
}
