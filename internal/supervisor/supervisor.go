// Package supervisor launches shell scripts as child processes and reports
// how each of them terminated.
//
// The package is built from three parts:
//   - Launcher spawns one child per script with stderr redirected to a
//     sidecar file and fills a Registry
//   - Supervisor polls every live child without blocking, hands terminated
//     children to the Reporter and shrinks the Registry until it is empty
//   - Reporter prints the disposition and the captured stderr of a child,
//     then deletes its sidecar
//
// Everything runs on the caller's goroutine. Children run in parallel only
// because the OS runs them as separate processes.
//
// Example usage:
//
//	launcher := supervisor.NewLauncher(cfg.Supervisor, os.Stdout)
//	registry, err := launcher.Launch(ctx, scripts)
//	if err != nil {
//		return err
//	}
//
//	reporter := supervisor.NewReporter(scripts, cfg.Supervisor.SidecarSuffix, os.Stdout)
//	sup := supervisor.NewSupervisor(supervisor.NewPoller(), reporter, supervisor.Options{
//		PollInterval: cfg.Supervisor.PollInterval,
//		Out:          os.Stdout,
//	})
//	results, err := sup.Run(ctx, registry)
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/logging"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
)

// DefaultPollInterval is the pause between two walks over the registry
const DefaultPollInterval = 100 * time.Millisecond

// Options configures a Supervisor
type Options struct {
	// PollInterval is used to build a constant pacing policy when Pacing is nil
	PollInterval time.Duration
	// Pacing yields the pause after each non-final walk
	Pacing backoff.BackOff
	// Out receives the report lines, os.Stdout when nil
	Out     io.Writer
	Logger  *slog.Logger
	Monitor *metrics.Monitor
}

// Supervisor drives a sealed registry to completion
type Supervisor struct {
	poller   Poller
	reporter *Reporter
	pacing   backoff.BackOff
	interval time.Duration

	out     io.Writer
	logger  *slog.Logger
	monitor *metrics.Monitor
	sleep   func(time.Duration)

	// OnReport is called for every reaped child, in report order
	OnReport func(result Result)
	// OnPollError is called when a status query fails; the slot is kept
	OnPollError func(slot SlotID, pid int, err error)
}

// NewSupervisor creates a supervisor that queries children through poller and
// hands terminated ones to reporter.
func NewSupervisor(poller Poller, reporter *Reporter, opts Options) *Supervisor {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	pacing := opts.Pacing
	if pacing == nil {
		pacing = backoff.NewConstantBackOff(interval)
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	logger := logging.Discard()
	if opts.Logger != nil {
		logger = opts.Logger.With(slog.String("component", "supervisor"))
	}

	monitor := opts.Monitor
	if monitor == nil {
		monitor = metrics.NewMonitor()
	}

	return &Supervisor{
		poller:   poller,
		reporter: reporter,
		pacing:   pacing,
		interval: interval,
		out:      out,
		logger:   logger,
		monitor:  monitor,
		sleep:    time.Sleep,
	}
}

// Run polls until every child in registry has been reaped and reported.
// The registry is sealed first so it can only shrink. Results are returned
// in report order. A sidecar that cannot be read or deleted aborts the run;
// the results gathered so far are returned alongside the error.
//
// ctx carries the run ID for logging. Run does not stop early when ctx is
// cancelled: children are always driven to completion.
func (s *Supervisor) Run(ctx context.Context, registry *Registry) ([]Result, error) {
	registry.Seal()
	s.pacing.Reset()

	results := make([]Result, 0, registry.Len())
	iteration := 0

	for registry.Len() > 0 {
		iteration++
		s.monitor.RecordPollIteration()

		var completed []SlotID
		for _, slot := range registry.Slots() {
			handle, _ := registry.Get(slot)

			disposition, done, err := s.poller.TryWait(handle.PID())
			if err != nil {
				s.pollFailed(ctx, handle, err)
				continue
			}
			if !done {
				continue
			}

			result, err := s.reporter.Report(ctx, handle, disposition)
			if err != nil {
				err = errors.WrapError(err, fmt.Sprintf("Reaping slot %d", slot))
				s.monitor.TrackError(ctx, string(errors.GetType(err)), errors.GetCode(err), "reporter", err.Error())
				return results, err
			}
			result.Iteration = iteration
			results = append(results, result)
			completed = append(completed, slot)

			if s.OnReport != nil {
				s.OnReport(result)
			}
		}

		for _, slot := range completed {
			registry.Remove(slot)
		}

		if registry.Len() == 0 {
			break
		}

		s.sleep(s.nextPause())
	}

	s.logger.DebugContext(ctx, "All children reaped",
		slog.Int("children", len(results)),
		slog.Int("iterations", iteration),
	)

	return results, nil
}

// pollFailed reports a transient status query failure for a live child. The
// stdout line carries the raw poller error; hooks and metrics get it wrapped
// as a poll error.
func (s *Supervisor) pollFailed(ctx context.Context, handle *ChildHandle, err error) {
	fmt.Fprintf(s.out, "Failed to check status for PID %d: %v\n", handle.PID(), err)

	queryErr := errors.PollError(errors.CodeStatusQuery, "Failed to check child status", err).
		WithDetails("slot", int(handle.Slot)).
		WithDetails("pid", handle.PID())

	s.monitor.RecordPollError()
	s.monitor.TrackError(ctx, string(queryErr.Type), queryErr.Code, "supervisor", queryErr.Error())

	s.logger.LogAttrs(ctx, slog.LevelWarn, "Status query failed, will retry", queryErr.LogAttrs()...)

	if s.OnPollError != nil {
		s.OnPollError(handle.Slot, handle.PID(), queryErr)
	}
}

// nextPause returns the pause before the next walk
func (s *Supervisor) nextPause() time.Duration {
	pause := s.pacing.NextBackOff()
	if pause == backoff.Stop || pause < 0 {
		return s.interval
	}
	return pause
}
