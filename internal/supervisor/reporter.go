package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/logging"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
)

// Result is the outcome of one reaped child
type Result struct {
	Slot        SlotID
	Script      string
	PID         int
	Disposition Disposition
	ExitCode    int
	Stderr      []byte
	Runtime     time.Duration
	// Iteration is the 1-based poll iteration that observed the exit
	Iteration int
}

// Reporter prints the disposition of a terminated child together with its
// captured stderr, then deletes the sidecar.
type Reporter struct {
	scripts       []string
	sidecarSuffix string

	out     io.Writer
	logger  *slog.Logger
	monitor *metrics.Monitor
}

// NewReporter creates a reporter for the given script list. Sidecar paths are
// rebuilt from the slot index into scripts.
func NewReporter(scripts []string, sidecarSuffix string, out io.Writer) *Reporter {
	return &Reporter{
		scripts:       scripts,
		sidecarSuffix: sidecarSuffix,
		out:           out,
		logger:        logging.Discard(),
		monitor:       metrics.NewMonitor(),
	}
}

// SetLogger sets the logger for the reporter
func (r *Reporter) SetLogger(logger *slog.Logger) {
	r.logger = logger.With(slog.String("component", "reporter"))
}

// SetMonitor sets the metrics monitor for the reporter
func (r *Reporter) SetMonitor(monitor *metrics.Monitor) {
	r.monitor = monitor
}

// Report handles a child that has already been reaped. Failing to read or
// delete the sidecar is returned as a fatal error.
func (r *Reporter) Report(ctx context.Context, h *ChildHandle, d Disposition) (Result, error) {
	pid := h.PID()
	code := d.ExitCode()

	if d.IsSignaled() {
		fmt.Fprintf(r.out, "Script with PID %d terminated by signal: %d\n", pid, d.Signal)
	}
	fmt.Fprintf(r.out, "Script with PID %d completed with exit code: %d and output \n", pid, code)

	if int(h.Slot) < 0 || int(h.Slot) >= len(r.scripts) {
		return Result{}, errors.InternalError(errors.CodeUnknown, fmt.Sprintf("Slot %d has no script", h.Slot), nil)
	}
	script := r.scripts[h.Slot]
	path := SidecarPath(script, r.sidecarSuffix)

	timer := metrics.NewTimer("sidecar_read", r.monitor)
	contents, err := os.ReadFile(path)
	timer.Stop(err)
	if err != nil {
		return Result{}, errors.SidecarError(errors.CodeSidecarRead, "Failed to read error file", err).
			WithDetails("path", path).
			WithDetails("pid", pid)
	}

	fmt.Fprintf(r.out, "Error output for PID %d: %s\n", pid, contents)

	if err := os.Remove(path); err != nil {
		return Result{}, errors.SidecarError(errors.CodeSidecarRemove, "Failed to delete error file", err).
			WithDetails("path", path).
			WithDetails("pid", pid)
	}

	runtime := time.Since(h.StartedAt)
	r.monitor.RecordDisposition(d.IsSignaled(), code, runtime)

	r.logger.DebugContext(ctx, "Child reaped",
		slog.Int("slot", int(h.Slot)),
		slog.Int("pid", pid),
		slog.String("disposition", d.String()),
		slog.Int("stderr_bytes", len(contents)),
		slog.Duration("runtime", runtime),
	)

	return Result{
		Slot:        h.Slot,
		Script:      script,
		PID:         pid,
		Disposition: d,
		ExitCode:    code,
		Stderr:      contents,
		Runtime:     runtime,
	}, nil
}
