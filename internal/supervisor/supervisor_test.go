package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bebsworthy/scriptwatch/internal/config"
	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
)

// runScripts launches scripts and supervises them to completion with the real
// poller, returning everything printed.
func runScripts(t *testing.T, scripts []string, opts Options) (string, []Result, error) {
	t.Helper()

	var out bytes.Buffer
	cfg := config.DefaultConfig().Supervisor

	registry, err := NewLauncher(cfg, &out).Launch(context.Background(), scripts)
	require.NoError(t, err)

	opts.Out = &out
	reporter := NewReporter(scripts, cfg.SidecarSuffix, &out)
	results, err := NewSupervisor(NewPoller(), reporter, opts).Run(context.Background(), registry)
	return out.String(), results, err
}

func assertSidecarsGone(t *testing.T, scripts []string) {
	t.Helper()
	for _, script := range scripts {
		_, err := os.Stat(SidecarPath(script, ".error"))
		assert.True(t, os.IsNotExist(err), "sidecar for %s should be deleted", script)
	}
}

func TestSupervisor_AllSucceed(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{
		writeScript(t, dir, "script1.sh", "exit 0"),
		writeScript(t, dir, "script2.sh", "exit 0"),
		writeScript(t, dir, "script3.sh", "exit 0"),
	}

	out, results, err := runScripts(t, scripts, Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	reported := map[SlotID]bool{}
	for _, result := range results {
		assert.Equal(t, Exited(0), result.Disposition)
		assert.Equal(t, 0, result.ExitCode)
		assert.Empty(t, result.Stderr)
		assert.Contains(t, out, fmt.Sprintf("Script with PID %d completed with exit code: 0 and output \n", result.PID))
		assert.Contains(t, out, fmt.Sprintf("Error output for PID %d: \n", result.PID))
		reported[result.Slot] = true
	}
	assert.Len(t, reported, 3, "every slot is reported exactly once")
	assert.Equal(t, 3, strings.Count(out, "completed with exit code"))

	assertSidecarsGone(t, scripts)
}

func TestSupervisor_StderrCaptured(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{writeScript(t, dir, "fail.sh", "echo boom 1>&2\nexit 2")}

	out, results, err := runScripts(t, scripts, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	pid := results[0].PID
	assert.Contains(t, out, fmt.Sprintf("Script with PID %d completed with exit code: 2 and output \n", pid))
	assert.Contains(t, out, fmt.Sprintf("Error output for PID %d: boom\n", pid))
	assert.Equal(t, []byte("boom\n"), results[0].Stderr)

	assertSidecarsGone(t, scripts)
}

func TestSupervisor_SelfSignal(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{writeScript(t, dir, "term.sh", "kill -TERM $$")}

	out, results, err := runScripts(t, scripts, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	pid := results[0].PID
	assert.Equal(t, Signaled(15), results[0].Disposition)
	assert.Contains(t, out, fmt.Sprintf(
		"Script with PID %d terminated by signal: 15\nScript with PID %d completed with exit code: 1 and output \n", pid, pid))
}

func TestSupervisor_ExternalSignal(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{writeScript(t, dir, "sleepy.sh", "exec sleep 5")}
	cfg := config.DefaultConfig().Supervisor

	var out bytes.Buffer
	registry, err := NewLauncher(cfg, &out).Launch(context.Background(), scripts)
	require.NoError(t, err)

	handle, _ := registry.Get(0)
	require.NoError(t, unix.Kill(handle.PID(), unix.SIGKILL))

	sup := NewSupervisor(NewPoller(), NewReporter(scripts, cfg.SidecarSuffix, &out), Options{Out: &out})
	results, err := sup.Run(context.Background(), registry)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, Signaled(9), results[0].Disposition)
	assert.Equal(t, SignalExitCode, results[0].ExitCode)
	assert.Contains(t, out.String(), "terminated by signal: 9\n")
	assertSidecarsGone(t, scripts)
}

func TestSupervisor_ReportsInCompletionOrder(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{
		writeScript(t, dir, "slow.sh", "sleep 0.5"),
		writeScript(t, dir, "fast.sh", "exit 0"),
	}

	_, results, err := runScripts(t, scripts, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, SlotID(1), results[0].Slot, "the fast child is reported first")
	assert.Equal(t, SlotID(0), results[1].Slot)
	assert.Less(t, results[0].Iteration, results[1].Iteration)

	assertSidecarsGone(t, scripts)
}

func TestSupervisor_RawStderrBytes(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{writeScript(t, dir, "binary.sh", `printf '\x00\xff\xfe' 1>&2`)}

	out, results, err := runScripts(t, scripts, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, []byte{0x00, 0xff, 0xfe}, results[0].Stderr)
	assert.Contains(t, out, string([]byte{0x00, 0xff, 0xfe}))
}

func TestSupervisor_IdleWaitIsCheap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}
	requireBash(t)
	dir := t.TempDir()
	scripts := []string{
		writeScript(t, dir, "a.sh", "sleep 1"),
		writeScript(t, dir, "b.sh", "sleep 1"),
		writeScript(t, dir, "c.sh", "sleep 1"),
	}
	cfg := config.DefaultConfig().Supervisor

	var out bytes.Buffer
	registry, err := NewLauncher(cfg, &out).Launch(context.Background(), scripts)
	require.NoError(t, err)

	monitor := metrics.NewMonitor()
	sup := NewSupervisor(NewPoller(), NewReporter(scripts, cfg.SidecarSuffix, &out), Options{
		Out:     &out,
		Monitor: monitor,
	})

	before := cpuTime(t)
	start := time.Now()
	results, err := sup.Run(context.Background(), registry)
	wall := time.Since(start)
	used := cpuTime(t) - before

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.GreaterOrEqual(t, wall, 800*time.Millisecond)
	assert.Less(t, used, 250*time.Millisecond, "supervisor should sleep, not spin")

	iterations := monitor.GetChildMetrics().PollIterations
	assert.LessOrEqual(t, iterations, int64(30), "about one walk per poll interval")
}

func cpuTime(t *testing.T) time.Duration {
	t.Helper()
	var usage unix.Rusage
	require.NoError(t, unix.Getrusage(unix.RUSAGE_SELF, &usage))
	return time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
}

// fakeRun builds a supervisor over handles that are not real processes
func fakeRun(t *testing.T, poller Poller, stderr ...string) (*Supervisor, *Registry, *bytes.Buffer, *[]time.Duration) {
	t.Helper()
	reporter, _, out := newTestReporter(t, stderr...)

	registry := NewRegistry()
	for i := range stderr {
		require.NoError(t, registry.Insert(&ChildHandle{Slot: SlotID(i), pid: 1000 + i, StartedAt: time.Now()}))
	}

	sup := NewSupervisor(poller, reporter, Options{Out: out, PollInterval: 50 * time.Millisecond})
	var pauses []time.Duration
	sup.sleep = func(d time.Duration) { pauses = append(pauses, d) }

	return sup, registry, out, &pauses
}

func TestSupervisor_TransientPollError(t *testing.T) {
	poller := newScriptedPoller()
	poller.add(1000, failing(unix.EIO), finished(Exited(0)))
	poller.add(1001, running(), running(), finished(Exited(3)))

	sup, registry, out, pauses := fakeRun(t, poller, "", "late")

	var pollErrors []SlotID
	sup.OnPollError = func(slot SlotID, pid int, err error) {
		assert.Equal(t, 1000, pid)
		assert.ErrorIs(t, err, unix.EIO)
		assert.ErrorIs(t, err, errors.ErrStatusQuery)
		assert.Equal(t, errors.ErrorTypePoll, errors.GetType(err))
		assert.Equal(t, 1000, err.(*errors.Error).Details["pid"])
		pollErrors = append(pollErrors, slot)
	}
	var reported []SlotID
	sup.OnReport = func(result Result) {
		reported = append(reported, result.Slot)
	}

	results, err := sup.Run(context.Background(), registry)
	require.NoError(t, err)

	assert.Equal(t, []SlotID{0}, pollErrors)
	assert.Equal(t, []SlotID{0, 1}, reported)
	assert.Equal(t, 2, results[0].Iteration, "the failing slot is retried on the next walk")
	assert.Equal(t, 3, results[1].Iteration)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, *pauses)

	assert.Contains(t, out.String(), "Failed to check status for PID 1000: "+unix.EIO.Error()+"\n")
	assert.Contains(t, out.String(), "Script with PID 1001 completed with exit code: 3 and output \n")
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, int64(1), sup.monitor.GetChildMetrics().PollErrors)
	assert.Contains(t, sup.monitor.GetErrorMetrics(), "poll:STATUS_QUERY_FAILED")
}

func TestSupervisor_NoSleepAfterLastReap(t *testing.T) {
	poller := newScriptedPoller()
	poller.add(1000, finished(Exited(0)))

	sup, registry, _, pauses := fakeRun(t, poller, "")

	results, err := sup.Run(context.Background(), registry)
	require.NoError(t, err)

	assert.Len(t, results, 1)
	assert.Empty(t, *pauses)
	assert.Equal(t, 1, poller.calls[1000])
}

func TestSupervisor_ReaperSkipsFinishedSlots(t *testing.T) {
	poller := newScriptedPoller()
	poller.add(1000, finished(Exited(0)))
	poller.add(1001, running(), running(), finished(Exited(0)))

	sup, registry, _, _ := fakeRun(t, poller, "", "")

	_, err := sup.Run(context.Background(), registry)
	require.NoError(t, err)

	assert.Equal(t, 1, poller.calls[1000], "a reaped child is never queried again")
	assert.Equal(t, 3, poller.calls[1001])
}

func TestSupervisor_SidecarReadFailureAborts(t *testing.T) {
	poller := newScriptedPoller()
	poller.add(1000, finished(Exited(0)))
	poller.add(1001, finished(Exited(0)))

	sup, registry, out, _ := fakeRun(t, poller, "ok", "vanishes")
	require.NoError(t, os.Remove(SidecarPath(sup.reporter.scripts[1], ".error")))

	results, err := sup.Run(context.Background(), registry)
	require.Error(t, err)

	assert.ErrorIs(t, err, errors.ErrSidecarRead)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "Reaping slot 1")
	require.Len(t, results, 1, "results gathered before the failure are kept")
	assert.Equal(t, SlotID(0), results[0].Slot)
	assert.Contains(t, out.String(), "Error output for PID 1000: ok\n")
	assert.Contains(t, sup.monitor.GetErrorMetrics(), "sidecar:SIDECAR_READ_FAILED")
}

func TestSupervisor_SealsRegistry(t *testing.T) {
	poller := pollerFunc(func(pid int) (Disposition, bool, error) {
		return Exited(0), true, nil
	})

	sup, registry, _, _ := fakeRun(t, poller, "")
	require.False(t, registry.sealed)

	_, err := sup.Run(context.Background(), registry)
	require.NoError(t, err)

	assert.ErrorIs(t, registry.Insert(&ChildHandle{Slot: 5}), errors.ErrRegistrySealed)
}

func TestSupervisor_CustomPacing(t *testing.T) {
	poller := newScriptedPoller()
	poller.add(1000, running(), running(), finished(Exited(0)))

	reporter, _, out := newTestReporter(t, "")
	registry := NewRegistry()
	require.NoError(t, registry.Insert(&ChildHandle{Slot: 0, pid: 1000}))

	pacing := &backoff.ZeroBackOff{}
	sup := NewSupervisor(poller, reporter, Options{Out: out, Pacing: backoff.WithMaxRetries(pacing, 1)})
	var pauses []time.Duration
	sup.sleep = func(d time.Duration) { pauses = append(pauses, d) }

	_, err := sup.Run(context.Background(), registry)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{0, DefaultPollInterval}, pauses, "an exhausted policy falls back to the interval")
}

func TestSupervisor_DefaultsApplied(t *testing.T) {
	sup := NewSupervisor(NewPoller(), NewReporter(nil, ".error", &bytes.Buffer{}), Options{})

	assert.Equal(t, DefaultPollInterval, sup.interval)
	assert.Equal(t, os.Stdout, sup.out)
	assert.NotNil(t, sup.monitor)
	assert.Equal(t, DefaultPollInterval, sup.nextPause())
}

func TestSupervisor_MixedOutcomes(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.Mkdir(src, 0755))
	scripts := []string{
		writeScript(t, src, "script1.sh", "echo one"),
		writeScript(t, src, "script2.sh", "echo two 1>&2; exit 1"),
	}

	out, results, err := runScripts(t, scripts, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, result := range results {
		switch result.Slot {
		case 0:
			assert.Equal(t, 0, result.ExitCode)
			assert.Empty(t, result.Stderr, "child stdout is inherited, not captured")
		case 1:
			assert.Equal(t, 1, result.ExitCode)
			assert.Contains(t, out, fmt.Sprintf("Error output for PID %d: two\n", result.PID))
		}
	}
}
