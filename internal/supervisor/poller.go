package supervisor

// Poller issues non-blocking status queries against a child. TryWait must
// return promptly whatever the child's state: done is false while the child
// runs, and when done is true the child has been reaped.
type Poller interface {
	TryWait(pid int) (disposition Disposition, done bool, err error)
}
