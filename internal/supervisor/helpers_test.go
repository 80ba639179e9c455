package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pollerFunc adapts a function to the Poller interface
type pollerFunc func(pid int) (Disposition, bool, error)

func (f pollerFunc) TryWait(pid int) (Disposition, bool, error) {
	return f(pid)
}

// requireBash skips tests that need a real shell interpreter
func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

// writeScript writes an executable bash script into dir and returns its
// absolute path
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\n"+body+"\n"), 0755))
	return path
}

// reapAll waits for every child left in registry and removes sidecars. Used
// after a launch aborted, so no zombie or sidecar outlives the test.
func reapAll(t *testing.T, registry *Registry, scripts []string, suffix string) {
	t.Helper()
	poller := NewPoller()
	deadline := time.Now().Add(10 * time.Second)

	for registry.Len() > 0 && time.Now().Before(deadline) {
		for _, slot := range registry.Slots() {
			handle, _ := registry.Get(slot)
			if _, done, err := poller.TryWait(handle.PID()); err == nil && done {
				registry.Remove(slot)
				os.Remove(SidecarPath(scripts[slot], suffix))
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// scriptedPoller replays canned answers per PID; once a PID's answers run out
// it reports the child as still running.
type scriptedPoller struct {
	answers map[int][]pollAnswer
	calls   map[int]int
}

type pollAnswer struct {
	disposition Disposition
	done        bool
	err         error
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{
		answers: make(map[int][]pollAnswer),
		calls:   make(map[int]int),
	}
}

func (p *scriptedPoller) add(pid int, answers ...pollAnswer) {
	p.answers[pid] = append(p.answers[pid], answers...)
}

func (p *scriptedPoller) TryWait(pid int) (Disposition, bool, error) {
	p.calls[pid]++
	queue := p.answers[pid]
	if len(queue) == 0 {
		return Disposition{}, false, nil
	}
	next := queue[0]
	p.answers[pid] = queue[1:]
	return next.disposition, next.done, next.err
}

func running() pollAnswer               { return pollAnswer{} }
func finished(d Disposition) pollAnswer { return pollAnswer{disposition: d, done: true} }
func failing(err error) pollAnswer      { return pollAnswer{err: err} }

func sleepBriefly() {
	time.Sleep(10 * time.Millisecond)
}
