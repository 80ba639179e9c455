package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
)

func newTestReporter(t *testing.T, stderr ...string) (*Reporter, []string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	scripts := make([]string, len(stderr))
	for i, contents := range stderr {
		scripts[i] = filepath.Join(dir, "script"+string(rune('a'+i))+".sh")
		require.NoError(t, os.WriteFile(SidecarPath(scripts[i], ".error"), []byte(contents), 0644))
	}

	var out bytes.Buffer
	return NewReporter(scripts, ".error", &out), scripts, &out
}

func TestReporter_Exited(t *testing.T) {
	reporter, scripts, out := newTestReporter(t, "boom\n")
	monitor := metrics.NewMonitor()
	reporter.SetMonitor(monitor)

	handle := &ChildHandle{Slot: 0, pid: 4242, StartedAt: time.Now().Add(-time.Second)}
	result, err := reporter.Report(context.Background(), handle, Exited(2))
	require.NoError(t, err)

	expected := "Script with PID 4242 completed with exit code: 2 and output \n" +
		"Error output for PID 4242: boom\n\n"
	assert.Equal(t, expected, out.String())

	assert.Equal(t, SlotID(0), result.Slot)
	assert.Equal(t, scripts[0], result.Script)
	assert.Equal(t, 4242, result.PID)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, []byte("boom\n"), result.Stderr)
	assert.GreaterOrEqual(t, result.Runtime, time.Second)

	_, err = os.Stat(SidecarPath(scripts[0], ".error"))
	assert.True(t, os.IsNotExist(err), "sidecar is deleted after reporting")

	children := monitor.GetChildMetrics()
	assert.Equal(t, int64(1), children.Reaped)
	assert.Equal(t, int64(1), children.NonZeroExits)
	assert.Equal(t, int64(1), monitor.GetOperationMetrics("sidecar_read").Successes)
}

func TestReporter_Signaled(t *testing.T) {
	reporter, _, out := newTestReporter(t, "")

	handle := &ChildHandle{Slot: 0, pid: 77}
	result, err := reporter.Report(context.Background(), handle, Signaled(15))
	require.NoError(t, err)

	expected := "Script with PID 77 terminated by signal: 15\n" +
		"Script with PID 77 completed with exit code: 1 and output \n" +
		"Error output for PID 77: \n"
	assert.Equal(t, expected, out.String())
	assert.Equal(t, SignalExitCode, result.ExitCode)
	assert.True(t, result.Disposition.IsSignaled())
}

func TestReporter_RawBytes(t *testing.T) {
	raw := string([]byte{0x00, 0xff, 'x', 0xfe})
	reporter, _, out := newTestReporter(t, raw)

	result, err := reporter.Report(context.Background(), &ChildHandle{Slot: 0, pid: 5}, Exited(0))
	require.NoError(t, err)

	assert.Equal(t, []byte(raw), result.Stderr)
	assert.Contains(t, out.String(), "Error output for PID 5: "+raw+"\n")
}

func TestReporter_UsesSlotNotPID(t *testing.T) {
	reporter, scripts, out := newTestReporter(t, "first", "second")

	result, err := reporter.Report(context.Background(), &ChildHandle{Slot: 1, pid: 10}, Exited(0))
	require.NoError(t, err)

	assert.Equal(t, scripts[1], result.Script)
	assert.Contains(t, out.String(), "Error output for PID 10: second\n")

	_, err = os.Stat(SidecarPath(scripts[0], ".error"))
	assert.NoError(t, err, "other slots are untouched")
}

func TestReporter_MissingSidecar(t *testing.T) {
	reporter, scripts, out := newTestReporter(t, "gone")
	require.NoError(t, os.Remove(SidecarPath(scripts[0], ".error")))

	_, err := reporter.Report(context.Background(), &ChildHandle{Slot: 0, pid: 9}, Exited(0))
	require.Error(t, err)

	assert.ErrorIs(t, err, errors.ErrSidecarRead)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, out.String(), "completed with exit code: 0", "disposition is printed before the read")
	assert.NotContains(t, out.String(), "Error output for PID")
}

func TestReporter_SidecarNotRemovable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	reporter, scripts, _ := newTestReporter(t, "locked")
	dir := filepath.Dir(scripts[0])
	require.NoError(t, os.Chmod(dir, 0555))
	defer os.Chmod(dir, 0755)

	_, err := reporter.Report(context.Background(), &ChildHandle{Slot: 0, pid: 9}, Exited(0))
	assert.ErrorIs(t, err, errors.ErrSidecarRemove)
}

func TestReporter_UnknownSlot(t *testing.T) {
	reporter, _, _ := newTestReporter(t, "x")

	_, err := reporter.Report(context.Background(), &ChildHandle{Slot: 3, pid: 9}, Exited(0))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeInternal, errors.GetType(err))
}
