package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bebsworthy/scriptwatch/internal/config"
	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/logging"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
)

// SidecarPath returns the file that receives the stderr of script
func SidecarPath(script, suffix string) string {
	return script + suffix
}

// Launcher spawns one shell child per script, each with stderr redirected to
// its sidecar file.
type Launcher struct {
	shell         string
	shellFlag     string
	sidecarSuffix string

	out     io.Writer
	logger  *slog.Logger
	monitor *metrics.Monitor

	// OnLaunch is called after each child has been registered
	OnLaunch func(slot SlotID, script string, pid int)
}

// NewLauncher creates a launcher from the supervisor configuration. Report
// lines are written to out.
func NewLauncher(cfg config.SupervisorConfig, out io.Writer) *Launcher {
	return &Launcher{
		shell:         cfg.Shell,
		shellFlag:     cfg.ShellFlag,
		sidecarSuffix: cfg.SidecarSuffix,
		out:           out,
		logger:        logging.Discard(),
		monitor:       metrics.NewMonitor(),
	}
}

// SetLogger sets the logger for the launcher
func (l *Launcher) SetLogger(logger *slog.Logger) {
	l.logger = logger.With(slog.String("component", "launcher"))
}

// SetMonitor sets the metrics monitor for the launcher
func (l *Launcher) SetMonitor(monitor *metrics.Monitor) {
	l.monitor = monitor
}

// Launch starts every script in order and returns the populated registry.
// A list in which two scripts share a sidecar path is rejected before
// anything runs. On failure the registry holds the children launched so
// far; they keep running and are not reaped.
func (l *Launcher) Launch(ctx context.Context, scripts []string) (*Registry, error) {
	registry := NewRegistry()

	if err := l.checkSidecars(scripts); err != nil {
		l.monitor.TrackError(ctx, string(errors.GetType(err)), errors.GetCode(err), "launcher", err.Error())
		return registry, err
	}

	for i, script := range scripts {
		slot := SlotID(i)
		fmt.Fprintf(l.out, "The script to execute is %s\n", script)

		var handle *ChildHandle
		err := l.monitor.TrackOperation(ctx, "launch", func() error {
			var err error
			handle, err = l.spawn(slot, script)
			return err
		})
		if err != nil {
			l.monitor.TrackError(ctx, string(errors.GetType(err)), errors.GetCode(err), "launcher", err.Error())
			if registry.Len() > 0 {
				l.logger.WarnContext(ctx, "Aborting launch, earlier children left running",
					slog.Int("failed_slot", int(slot)),
					slog.Any("orphaned_pids", registry.PIDs()),
				)
			}
			return registry, err
		}

		fmt.Fprintf(l.out, "Script '%s' started execution. PID: %d\n", script, handle.PID())

		if err := registry.Insert(handle); err != nil {
			return registry, err
		}
		l.monitor.RecordLaunch()

		l.logger.DebugContext(ctx, "Child launched",
			slog.Int("slot", int(slot)),
			slog.String("script", script),
			slog.Int("pid", handle.PID()),
		)

		if l.OnLaunch != nil {
			l.OnLaunch(slot, script, handle.PID())
		}
	}

	registry.Seal()
	return registry, nil
}

// checkSidecars rejects script lists in which two slots would share a
// sidecar file.
func (l *Launcher) checkSidecars(scripts []string) error {
	seen := make(map[string]SlotID, len(scripts))
	for i, script := range scripts {
		path := filepath.Clean(SidecarPath(script, l.sidecarSuffix))
		if first, ok := seen[path]; ok {
			return errors.ConfigError(errors.CodeDuplicateScript, "Script listed more than once", nil).
				WithDetails("script", script).
				WithDetails("sidecar", path).
				WithDetails("first_slot", int(first)).
				WithDetails("slot", i)
		}
		seen[path] = SlotID(i)
	}
	return nil
}

// spawn creates the sidecar and starts the shell child
func (l *Launcher) spawn(slot SlotID, script string) (*ChildHandle, error) {
	path := SidecarPath(script, l.sidecarSuffix)

	sidecar, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.SidecarError(errors.CodeSidecarCreate, "Failed to create error file", err).
			WithDetails("path", path).
			WithDetails("slot", int(slot))
	}
	// The child holds its own descriptor once started
	defer sidecar.Close()

	args := []string{script}
	if l.shellFlag != "" {
		args = []string{l.shellFlag, script}
	}

	// Stdio are *os.File so exec starts no copying goroutines and the child
	// can be reaped with wait4 alone.
	cmd := exec.Command(l.shell, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = sidecar

	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, errors.SpawnError(errors.CodeSpawnFailed, "Failed to execute script", err).
			WithDetails("script", script).
			WithDetails("slot", int(slot))
	}

	return &ChildHandle{
		Slot:      slot,
		StartedAt: time.Now(),
		pid:       cmd.Process.Pid,
		process:   cmd.Process,
	}, nil
}
